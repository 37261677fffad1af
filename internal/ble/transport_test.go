package ble

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func connectedTransport(t *testing.T) (*Transport, *mockAdapter) {
	t.Helper()
	adapter := newMockAdapter(nil)
	tr := NewTransport(adapter, DefaultTransportOptions())
	if err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return tr, adapter
}

func TestConnectBringsLinkUp(t *testing.T) {
	tr, _ := connectedTransport(t)
	if !tr.Up() {
		t.Error("Up() should be true after Connect")
	}
	if tr.Addr() != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Addr() = %q", tr.Addr())
	}
}

func TestConnectSameAddrReusesLink(t *testing.T) {
	tr, adapter := connectedTransport(t)
	first := adapter.latestConnection()
	if err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if adapter.latestConnection() != first {
		t.Error("reconnect to the same address should not open a new connection")
	}
}

func TestConnectNewAddrTearsDownOld(t *testing.T) {
	tr, adapter := connectedTransport(t)
	first := adapter.latestConnection()
	if err := tr.Connect(context.Background(), "11:22:33:44:55:66"); err != nil {
		t.Fatalf("Connect() to new addr error = %v", err)
	}
	first.mu.Lock()
	wasDisconnected := first.disconnected
	first.mu.Unlock()
	if !wasDisconnected {
		t.Error("old connection should be disconnected before connecting to a new address")
	}
	if tr.Addr() != "11:22:33:44:55:66" {
		t.Errorf("Addr() = %q, want new address", tr.Addr())
	}
}

func TestConnectFailurePropagates(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErr = errors.New("no route")
	tr := NewTransport(adapter, DefaultTransportOptions())
	if err := tr.Connect(context.Background(), "dead"); err == nil {
		t.Error("Connect() should propagate adapter failure")
	}
	if tr.Up() {
		t.Error("Up() should be false after failed connect")
	}
}

func TestWriteGoesToTXChar(t *testing.T) {
	tr, adapter := connectedTransport(t)
	if err := tr.Write([]byte{0xA0, 0x00, 0x00}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	writes := adapter.latestConnection().txChar.writes
	if len(writes) != 1 || !bytes.Equal(writes[0], []byte{0xA0, 0x00, 0x00}) {
		t.Errorf("TX writes = %v", writes)
	}
}

func TestWriteChunksLargePayloads(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := DefaultTransportOptions()
	opts.WriteChunkSize = 10
	opts.InterChunkDelay = 0
	tr := NewTransport(adapter, opts)
	if err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	payload := bytes.Repeat([]byte{0x7E}, 25)
	if err := tr.Write(payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	writes := adapter.latestConnection().txChar.writes
	if len(writes) != 3 {
		t.Fatalf("writes = %d chunks, want 3", len(writes))
	}
	var joined []byte
	for _, w := range writes {
		joined = append(joined, w...)
	}
	if !bytes.Equal(joined, payload) {
		t.Error("chunks should concatenate back to the payload")
	}
	if len(writes[0]) != 10 || len(writes[2]) != 5 {
		t.Errorf("chunk sizes = %d/%d/%d, want 10/10/5", len(writes[0]), len(writes[1]), len(writes[2]))
	}
}

func TestWriteWhenDownFails(t *testing.T) {
	tr := NewTransport(newMockAdapter(nil), DefaultTransportOptions())
	if err := tr.Write([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write() error = %v, want ErrNotConnected", err)
	}
}

func TestNotificationsBufferUntilConsumer(t *testing.T) {
	tr, adapter := connectedTransport(t)
	rx := adapter.latestConnection().rxChar

	rx.SimulateNotification([]byte{1})
	rx.SimulateNotification([]byte{2})

	var got [][]byte
	tr.SetNotifyConsumer(func(data []byte) {
		got = append(got, data)
	})
	rx.SimulateNotification([]byte{3})

	if len(got) != 3 {
		t.Fatalf("consumer saw %d notifications, want 3", len(got))
	}
	for i, want := range []byte{1, 2, 3} {
		if got[i][0] != want {
			t.Errorf("notification %d = %v, want [%d] (FIFO order)", i, got[i], want)
		}
	}
}

func TestAwaitNotificationOneShot(t *testing.T) {
	tr, adapter := connectedTransport(t)
	rx := adapter.latestConnection().rxChar

	go func() {
		time.Sleep(20 * time.Millisecond)
		rx.SimulateNotification([]byte{0xB0})
	}()

	data, ok := tr.AwaitNotification(500 * time.Millisecond)
	if !ok {
		t.Fatal("AwaitNotification() should receive the notification")
	}
	if data[0] != 0xB0 {
		t.Errorf("data = %v", data)
	}
}

func TestAwaitNotificationTimeout(t *testing.T) {
	tr, _ := connectedTransport(t)
	start := time.Now()
	if _, ok := tr.AwaitNotification(30 * time.Millisecond); ok {
		t.Error("AwaitNotification() should time out with no traffic")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
}

func TestStreamConsumerHasPriorityOverWaiter(t *testing.T) {
	tr, adapter := connectedTransport(t)
	tr.SetNotifyConsumer(func([]byte) {})

	if _, ok := tr.AwaitNotification(10 * time.Millisecond); ok {
		t.Error("one-shot wait should refuse while a stream consumer is installed")
	}
	_ = adapter
}

func TestDisconnectBringsLinkDown(t *testing.T) {
	tr, _ := connectedTransport(t)

	var states []bool
	tr.OnStateChange(func(up bool) { states = append(states, up) })

	tr.Disconnect()
	if tr.Up() {
		t.Error("Up() should be false after Disconnect")
	}
	if !tr.AwaitDisconnected(time.Second) {
		t.Error("AwaitDisconnected() should succeed after Disconnect")
	}
	if len(states) != 1 || states[0] != false {
		t.Errorf("state changes = %v, want [false]", states)
	}
}

func TestRemoteDropBringsLinkDown(t *testing.T) {
	tr, adapter := connectedTransport(t)
	adapter.latestConnection().SimulateDisconnect()
	if tr.Up() {
		t.Error("Up() should be false after remote drop")
	}
	if !tr.AwaitDisconnected(time.Second) {
		t.Error("AwaitDisconnected() should observe the drop")
	}
}

func TestStaleNotificationsDropped(t *testing.T) {
	tr, adapter := connectedTransport(t)
	oldRx := adapter.latestConnection().rxChar

	// Reconnect to a different address; the old handle is superseded.
	if err := tr.Connect(context.Background(), "11:22:33:44:55:66"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	oldRx.SimulateNotification([]byte{0xEE})
	if data, ok := tr.AwaitNotification(20 * time.Millisecond); ok {
		t.Errorf("stale notification %v should have been dropped", data)
	}
}

func TestScanForRSSIKeepsBestPerTarget(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{Addr: "A", RSSI: -85},
		{Addr: "B", RSSI: -60},
		{Addr: "A", RSSI: -70},
		{Addr: "C", RSSI: -40}, // not a target
	})
	tr := NewTransport(adapter, DefaultTransportOptions())

	best := tr.ScanForRSSI(context.Background(), []string{"A", "B"}, 50*time.Millisecond)
	if best["A"] != -70 {
		t.Errorf("best[A] = %d, want -70", best["A"])
	}
	if best["B"] != -60 {
		t.Errorf("best[B] = %d, want -60", best["B"])
	}
	if _, ok := best["C"]; ok {
		t.Error("non-target C should not appear")
	}
}

func TestAwaitBonded(t *testing.T) {
	adapter := newMockAdapter(nil)
	tr := NewTransport(adapter, DefaultTransportOptions())

	if tr.AwaitBonded("dev", 50*time.Millisecond) {
		t.Error("AwaitBonded() should time out when never bonded")
	}
	if err := tr.Pair("dev"); err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	if !tr.AwaitBonded("dev", time.Second) {
		t.Error("AwaitBonded() should succeed after Pair")
	}
}
