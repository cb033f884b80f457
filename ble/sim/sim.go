// Package sim is an in-memory BLE transport. Peripherals advertise on a
// shared bus and centrals scan, connect and read against them, with the
// same callback surface as the real transport. Used by tests and by the
// daemon's demo mode.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sellmair/broadheart/ble"
)

// Peripheral is a simulated remote device.
type Peripheral struct {
	Address      string
	Name         string
	ServiceUUIDs []string

	mu              sync.Mutex
	characteristics map[string][]byte
	failNextReads   map[string]int
}

// NewPeripheral creates a peripheral with a random hardware address.
func NewPeripheral(name string, serviceUUIDs []string) *Peripheral {
	return &Peripheral{
		Address:         uuid.New().String(),
		Name:            name,
		ServiceUUIDs:    serviceUUIDs,
		characteristics: make(map[string][]byte),
		failNextReads:   make(map[string]int),
	}
}

// SetCharacteristic sets the value served for a characteristic UUID.
func (p *Peripheral) SetCharacteristic(charUUID string, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.characteristics[charUUID] = value
}

// FailNextReads makes the next n reads of a characteristic return
// GATT failure before succeeding again. Test hook for retry behavior.
func (p *Peripheral) FailNextReads(charUUID string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNextReads[charUUID] = n
}

func (p *Peripheral) read(charUUID string) ([]byte, ble.ReadStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNextReads[charUUID] > 0 {
		p.failNextReads[charUUID]--
		return nil, ble.ReadFailure
	}
	value, ok := p.characteristics[charUUID]
	if !ok {
		return nil, ble.ReadFailure
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, ble.ReadSuccess
}

// Bus connects simulated centrals and peripherals.
type Bus struct {
	// AdvertiseInterval is how often scanning centrals re-see each
	// peripheral. Duplicate advertisements are intentional.
	AdvertiseInterval time.Duration

	mu          sync.RWMutex
	peripherals map[string]*Peripheral
	centrals    map[*Central]bool
}

func NewBus() *Bus {
	return &Bus{
		AdvertiseInterval: 20 * time.Millisecond,
		peripherals:       make(map[string]*Peripheral),
		centrals:          make(map[*Central]bool),
	}
}

// Advertise places a peripheral on the bus.
func (b *Bus) Advertise(p *Peripheral) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peripherals[p.Address] = p
}

// Remove takes a peripheral off the air and drops every connection to it,
// as if the device walked out of range.
func (b *Bus) Remove(address string) {
	b.mu.Lock()
	delete(b.peripherals, address)
	centrals := make([]*Central, 0, len(b.centrals))
	for c := range b.centrals {
		centrals = append(centrals, c)
	}
	b.mu.Unlock()

	for _, c := range centrals {
		c.dropConnection(address)
	}
}

func (b *Bus) peripheral(address string) *Peripheral {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.peripherals[address]
}

func (b *Bus) snapshot() []*Peripheral {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Peripheral, 0, len(b.peripherals))
	for _, p := range b.peripherals {
		out = append(out, p)
	}
	return out
}

// Central is a simulated ble.Central bound to a bus.
type Central struct {
	bus *Bus

	mu        sync.Mutex
	delegate  ble.CentralDelegate
	state     ble.State
	scanStop  chan struct{}
	connected map[string]bool
	closed    bool
}

// NewCentral creates a central in the poweredOn state.
func NewCentral(bus *Bus) *Central {
	c := &Central{
		bus:       bus,
		state:     ble.StatePoweredOn,
		connected: make(map[string]bool),
	}
	bus.mu.Lock()
	bus.centrals[c] = true
	bus.mu.Unlock()
	return c
}

func (c *Central) SetDelegate(d ble.CentralDelegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegate = d
}

func (c *Central) getDelegate() ble.CentralDelegate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delegate
}

func (c *Central) State() ble.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState changes the simulated radio state. Test hook for the
// permission gate: a central can start unauthorized and be flipped to
// poweredOn later.
func (c *Central) SetState(s ble.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if d := c.getDelegate(); d != nil {
		d.DidUpdateState(s)
	}
}

func (c *Central) StartScan(serviceUUID string) error {
	c.mu.Lock()
	if c.state != ble.StatePoweredOn {
		c.mu.Unlock()
		return fmt.Errorf("sim: cannot scan in state %s", c.state)
	}
	if c.scanStop != nil {
		c.mu.Unlock()
		return nil // already scanning
	}
	stop := make(chan struct{})
	c.scanStop = stop
	c.mu.Unlock()

	go c.scanLoop(serviceUUID, stop)
	return nil
}

func (c *Central) scanLoop(serviceUUID string, stop chan struct{}) {
	ticker := time.NewTicker(c.bus.AdvertiseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d := c.getDelegate()
			if d == nil {
				continue
			}
			for _, p := range c.bus.snapshot() {
				adv := ble.Advertisement{
					Address:      p.Address,
					Name:         p.Name,
					ServiceUUIDs: p.ServiceUUIDs,
					RSSI:         -50,
				}
				if serviceUUID != "" && !adv.HasService(serviceUUID) {
					continue
				}
				d.DidDiscover(adv)
			}
		}
	}
}

func (c *Central) StopScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanStop != nil {
		close(c.scanStop)
		c.scanStop = nil
	}
}

func (c *Central) Connect(address string) error {
	go func() {
		d := c.getDelegate()
		if d == nil {
			return
		}
		if c.bus.peripheral(address) == nil {
			d.DidFailToConnect(address, fmt.Errorf("sim: no peripheral at %s", address))
			return
		}
		c.mu.Lock()
		c.connected[address] = true
		c.mu.Unlock()
		d.DidConnect(address)
	}()
	return nil
}

func (c *Central) Disconnect(address string) {
	c.dropConnection(address)
}

func (c *Central) dropConnection(address string) {
	c.mu.Lock()
	wasConnected := c.connected[address]
	delete(c.connected, address)
	c.mu.Unlock()

	if wasConnected {
		if d := c.getDelegate(); d != nil {
			d.DidDisconnect(address, nil)
		}
	}
}

func (c *Central) isConnected(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected[address]
}

func (c *Central) DiscoverServices(address string) error {
	if !c.isConnected(address) {
		return fmt.Errorf("sim: not connected to %s", address)
	}
	go func() {
		d := c.getDelegate()
		if d == nil {
			return
		}
		p := c.bus.peripheral(address)
		if p == nil {
			d.DidDiscoverServices(address, nil, fmt.Errorf("sim: peripheral %s gone", address))
			return
		}
		d.DidDiscoverServices(address, p.ServiceUUIDs, nil)
	}()
	return nil
}

func (c *Central) ReadCharacteristic(address, serviceUUID, characteristicUUID string) error {
	if !c.isConnected(address) {
		return fmt.Errorf("sim: not connected to %s", address)
	}
	go func() {
		d := c.getDelegate()
		if d == nil {
			return
		}
		p := c.bus.peripheral(address)
		if p == nil {
			d.DidReadCharacteristic(address, characteristicUUID, nil, ble.ReadFailure)
			return
		}
		value, status := p.read(characteristicUUID)
		d.DidReadCharacteristic(address, characteristicUUID, value, status)
	}()
	return nil
}

func (c *Central) Close() error {
	c.StopScan()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	addrs := make([]string, 0, len(c.connected))
	for a := range c.connected {
		addrs = append(addrs, a)
	}
	c.mu.Unlock()

	for _, a := range addrs {
		c.dropConnection(a)
	}

	c.bus.mu.Lock()
	delete(c.bus.centrals, c)
	c.bus.mu.Unlock()
	return nil
}
