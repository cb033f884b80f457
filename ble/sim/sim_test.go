package sim

import (
	"sync"
	"testing"
	"time"

	"github.com/sellmair/broadheart/ble"
)

// recordingDelegate collects transport callbacks for assertions.
type recordingDelegate struct {
	mu           sync.Mutex
	discovered   []ble.Advertisement
	connected    []string
	disconnected []string
	services     map[string][]string
	reads        []readEvent
}

type readEvent struct {
	address  string
	charUUID string
	value    []byte
	status   ble.ReadStatus
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{services: make(map[string][]string)}
}

func (d *recordingDelegate) DidUpdateState(state ble.State) {}

func (d *recordingDelegate) DidDiscover(adv ble.Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discovered = append(d.discovered, adv)
}

func (d *recordingDelegate) DidConnect(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = append(d.connected, address)
}

func (d *recordingDelegate) DidFailToConnect(address string, err error) {}

func (d *recordingDelegate) DidDisconnect(address string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, address)
}

func (d *recordingDelegate) DidDiscoverServices(address string, serviceUUIDs []string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services[address] = serviceUUIDs
}

func (d *recordingDelegate) DidReadCharacteristic(address, charUUID string, value []byte, status ble.ReadStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads = append(d.reads, readEvent{address, charUUID, value, status})
}

func (d *recordingDelegate) discoveredCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.discovered)
}

func (d *recordingDelegate) lastRead() (readEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.reads) == 0 {
		return readEvent{}, false
	}
	return d.reads[len(d.reads)-1], true
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestScanDeliversDuplicateAdvertisements(t *testing.T) {
	bus := NewBus()
	bus.AdvertiseInterval = 5 * time.Millisecond

	p := NewPeripheral("phone-a", []string{ble.ServiceUUID})
	bus.Advertise(p)

	central := NewCentral(bus)
	defer central.Close()
	delegate := newRecordingDelegate()
	central.SetDelegate(delegate)

	if err := central.StartScan(ble.ServiceUUID); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	// The same peripheral must be reported again and again; dedup is the
	// consumer's job.
	waitUntil(t, time.Second, func() bool { return delegate.discoveredCount() >= 3 })
}

func TestScanFiltersByService(t *testing.T) {
	bus := NewBus()
	bus.AdvertiseInterval = 5 * time.Millisecond

	bus.Advertise(NewPeripheral("other", []string{"180d"}))

	central := NewCentral(bus)
	defer central.Close()
	delegate := newRecordingDelegate()
	central.SetDelegate(delegate)

	if err := central.StartScan(ble.ServiceUUID); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := delegate.discoveredCount(); n != 0 {
		t.Errorf("expected no discoveries for foreign service, got %d", n)
	}
}

func TestScanRequiresPoweredOn(t *testing.T) {
	bus := NewBus()
	central := NewCentral(bus)
	defer central.Close()
	central.SetState(ble.StatePoweredOff)

	if err := central.StartScan(ble.ServiceUUID); err == nil {
		t.Error("expected scan to fail while powered off")
	}
}

func TestConnectAndReadCharacteristic(t *testing.T) {
	bus := NewBus()
	p := NewPeripheral("phone-a", []string{ble.ServiceUUID})
	p.SetCharacteristic(ble.UserIdCharUUID, ble.EncodeUserId(42))
	bus.Advertise(p)

	central := NewCentral(bus)
	defer central.Close()
	delegate := newRecordingDelegate()
	central.SetDelegate(delegate)

	if err := central.Connect(p.Address); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		delegate.mu.Lock()
		defer delegate.mu.Unlock()
		return len(delegate.connected) == 1
	})

	if err := central.DiscoverServices(p.Address); err != nil {
		t.Fatalf("discover services failed: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		delegate.mu.Lock()
		defer delegate.mu.Unlock()
		return len(delegate.services[p.Address]) == 1
	})

	if err := central.ReadCharacteristic(p.Address, ble.ServiceUUID, ble.UserIdCharUUID); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		_, ok := delegate.lastRead()
		return ok
	})

	read, _ := delegate.lastRead()
	if read.status != ble.ReadSuccess {
		t.Fatalf("expected success, got status %d", read.status)
	}
	id, err := ble.DecodeUserId(read.value)
	if err != nil || id != 42 {
		t.Errorf("expected user id 42, got %d (err %v)", id, err)
	}
}

func TestReadUnknownCharacteristicFails(t *testing.T) {
	bus := NewBus()
	p := NewPeripheral("phone-a", []string{ble.ServiceUUID})
	bus.Advertise(p)

	central := NewCentral(bus)
	defer central.Close()
	delegate := newRecordingDelegate()
	central.SetDelegate(delegate)

	central.Connect(p.Address)
	waitUntil(t, time.Second, func() bool {
		delegate.mu.Lock()
		defer delegate.mu.Unlock()
		return len(delegate.connected) == 1
	})

	central.ReadCharacteristic(p.Address, ble.ServiceUUID, ble.UserNameCharUUID)
	waitUntil(t, time.Second, func() bool {
		read, ok := delegate.lastRead()
		return ok && read.status == ble.ReadFailure
	})
}

func TestFailNextReadsInjection(t *testing.T) {
	p := NewPeripheral("phone-a", []string{ble.ServiceUUID})
	p.SetCharacteristic(ble.UserIdCharUUID, ble.EncodeUserId(1))
	p.FailNextReads(ble.UserIdCharUUID, 2)

	if _, status := p.read(ble.UserIdCharUUID); status != ble.ReadFailure {
		t.Error("expected first read to fail")
	}
	if _, status := p.read(ble.UserIdCharUUID); status != ble.ReadFailure {
		t.Error("expected second read to fail")
	}
	if _, status := p.read(ble.UserIdCharUUID); status != ble.ReadSuccess {
		t.Error("expected third read to succeed")
	}
}

func TestBusRemoveDropsConnections(t *testing.T) {
	bus := NewBus()
	p := NewPeripheral("phone-a", []string{ble.ServiceUUID})
	bus.Advertise(p)

	central := NewCentral(bus)
	defer central.Close()
	delegate := newRecordingDelegate()
	central.SetDelegate(delegate)

	central.Connect(p.Address)
	waitUntil(t, time.Second, func() bool {
		delegate.mu.Lock()
		defer delegate.mu.Unlock()
		return len(delegate.connected) == 1
	})

	bus.Remove(p.Address)
	waitUntil(t, time.Second, func() bool {
		delegate.mu.Lock()
		defer delegate.mu.Unlock()
		return len(delegate.disconnected) == 1
	})
}
