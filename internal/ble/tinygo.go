package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// BluetoothAdapter wraps tinygo-org/bluetooth. On macOS, BLE device
// addresses are CoreBluetooth UUIDs rather than MAC addresses; the
// Addr strings in config and Device structs store whatever form the
// platform uses, treated as opaque.
type BluetoothAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*bluetoothConnection // keyed by device address
}

// NewBluetoothAdapter creates the production BLE adapter.
func NewBluetoothAdapter() *BluetoothAdapter {
	return &BluetoothAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*bluetoothConnection),
	}
}

func (a *BluetoothAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler fires (connected=false) when a
	// peripheral drops; route it to that connection's callback.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		a.mu.Unlock()
		if ok && conn.disconnectCb != nil {
			conn.disconnectCb()
		}
	})

	return nil
}

func (a *BluetoothAdapter) Scan(ctx context.Context, onFound func(Device)) error {
	uuid, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		onFound(Device{
			Addr: result.Address.String(),
			Name: result.LocalName(),
			RSSI: result.RSSI,
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *BluetoothAdapter) StopScan() error {
	return a.adapter.StopScan()
}

func (a *BluetoothAdapter) Connect(ctx context.Context, addr string) (Connection, error) {
	var target bluetooth.Address
	target.Set(addr)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// Wrap it so our ctx deadline is also respected.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(target, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", addr, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", addr, result.err)
		}
		conn := &bluetoothConnection{device: &result.device}

		a.mu.Lock()
		a.connections[addr] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Pair is a no-op: with this stack, bonding is initiated by the OS when
// the dongle's characteristics demand encryption on first access.
func (a *BluetoothAdapter) Pair(addr string) error { return nil }

// Unpair is not exposed by the stack; the bond must be removed through
// the OS Bluetooth settings.
func (a *BluetoothAdapter) Unpair(addr string) error {
	return fmt.Errorf("ble: unpair %s: not supported by this stack, remove the bond in OS settings", addr)
}

// Bonded reports bond state as well as the stack allows: a device this
// adapter has connected to counts as bonded. Entries are not removed on
// disconnect, so a dropped link still reads as bonded.
func (a *BluetoothAdapter) Bonded(addr string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.connections[addr]
	return ok
}

// Compile-time check that BluetoothAdapter implements Adapter.
var _ Adapter = (*BluetoothAdapter)(nil)

type bluetoothConnection struct {
	device       *bluetooth.Device
	disconnectCb func()
}

func (c *bluetoothConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &bluetoothCharacteristic{char: &chars[0]}, nil
}

func (c *bluetoothConnection) RequestMTU(mtu uint16) (uint16, error) {
	if err := c.device.RequestConnectionParams(bluetooth.ConnectionParams{}); err != nil {
		return 0, err
	}
	// tinygo/bluetooth negotiates the MTU during connection on most
	// platforms; there is no explicit exchange call, so report the
	// target and let the framer cope with whatever the link granted.
	return mtu, nil
}

func (c *bluetoothConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *bluetoothConnection) OnDisconnect(cb func()) {
	c.disconnectCb = cb
}

type bluetoothCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *bluetoothCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *bluetoothCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
