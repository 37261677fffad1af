// Package ble owns the single GATT session to the keyboard dongle:
// scanning, connecting (MTU negotiation, service discovery, notification
// subscription), byte-oriented writes, and delivery of notification
// chunks to exactly one consumer at a time.
package ble

import "context"

// KeyLink dongle UUIDs (Nordic-UART-style): one write characteristic
// and one notify characteristic on a single service.
const (
	ServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	TXCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e" // host writes
	RXCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // dongle notifies
)

// TargetMTU is requested on every connect. Dongle firmware accepts 185;
// stacks that refuse keep the default 23 and the framer copes.
const TargetMTU = 185

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe enables notifications (writes the CCCD) and registers
	// the callback for incoming values.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered dongle.
type Device struct {
	Addr   string // opaque: MAC on Linux, CoreBluetooth UUID on macOS
	Name   string
	Bonded bool
	RSSI   int16
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// RequestMTU negotiates a larger ATT MTU; the granted value may be
	// smaller than requested.
	RequestMTU(mtu uint16) (uint16, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports dongles advertising the KeyLink service until ctx is
	// cancelled. A device may be reported more than once with updated
	// RSSI.
	Scan(ctx context.Context, onFound func(Device)) error
	// StopScan aborts an in-progress Scan.
	StopScan() error
	// Connect establishes a connection to the device at addr.
	Connect(ctx context.Context, addr string) (Connection, error)
	// Pair initiates OS-level bonding with the device.
	Pair(addr string) error
	// Unpair removes the OS-level bond.
	Unpair(addr string) error
	// Bonded reports whether the device is currently bonded.
	Bonded(addr string) bool
}
