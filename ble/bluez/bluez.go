// Package bluez implements ble.Central on Linux against the BlueZ D-Bus
// API (org.bluez.Adapter1 / Device1 / GattCharacteristic1).
package bluez

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/sellmair/broadheart/ble"
	"github.com/sellmair/broadheart/logger"
)

const (
	bluezBus = "org.bluez"

	ifaceAdapter    = "org.bluez.Adapter1"
	ifaceDevice     = "org.bluez.Device1"
	ifaceGattChar   = "org.bluez.GattCharacteristic1"
	ifaceGattSvc    = "org.bluez.GattService1"
	ifaceObjManager = "org.freedesktop.DBus.ObjectManager"
	ifaceProperties = "org.freedesktop.DBus.Properties"

	servicesResolvedTimeout = 15 * time.Second
)

// Central talks to one BlueZ adapter.
type Central struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	prefix      string

	mu       sync.Mutex
	delegate ble.CentralDelegate
	// device path -> characteristic UUID -> characteristic object path,
	// filled once the device's services resolve
	chars   map[dbus.ObjectPath]map[string]dbus.ObjectPath
	signals chan *dbus.Signal
	stopped bool
}

// New connects to the system bus and binds to the given adapter
// (e.g. "hci0").
func New(adapter string) (*Central, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	c := &Central{
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
		prefix:      "bluez/" + adapter,
		chars:       make(map[dbus.ObjectPath]map[string]dbus.ObjectPath),
		signals:     make(chan *dbus.Signal, 64),
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(ifaceObjManager),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return nil, fmt.Errorf("match InterfacesAdded: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(ifaceProperties),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return nil, fmt.Errorf("match PropertiesChanged: %w", err)
	}
	conn.Signal(c.signals)
	go c.signalLoop()

	return c, nil
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

// State maps the adapter's Powered property onto the radio state.
// A missing adapter or a D-Bus permission error reads as unauthorized,
// which keeps the discovery gate polling instead of failing.
func (c *Central) State() ble.State {
	variant, err := c.conn.Object(bluezBus, c.adapterPath).GetProperty(ifaceAdapter + ".Powered")
	if err != nil {
		return ble.StateUnauthorized
	}
	powered, ok := variant.Value().(bool)
	if !ok || !powered {
		return ble.StatePoweredOff
	}
	return ble.StatePoweredOn
}

func (c *Central) StartScan(serviceUUID string) error {
	adapter := c.conn.Object(bluezBus, c.adapterPath)

	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"UUIDs":         dbus.MakeVariant([]string{serviceUUID}),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if err := adapter.Call(ifaceAdapter+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return fmt.Errorf("set discovery filter: %w", err)
	}
	if err := adapter.Call(ifaceAdapter+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}

	// Devices BlueZ already knows about do not fire InterfacesAdded
	// again; report them from the object tree.
	go c.reportKnownDevices(serviceUUID)
	return nil
}

func (c *Central) StopScan() {
	adapter := c.conn.Object(bluezBus, c.adapterPath)
	if err := adapter.Call(ifaceAdapter+".StopDiscovery", 0).Err; err != nil {
		logger.Debug(c.prefix, "stop discovery: %v", err)
	}
}

func (c *Central) Connect(address string) error {
	device := c.conn.Object(bluezBus, c.devicePath(address))
	go func() {
		if err := device.Call(ifaceDevice+".Connect", 0).Err; err != nil {
			if d := c.getDelegate(); d != nil {
				d.DidFailToConnect(address, err)
			}
			return
		}
		if d := c.getDelegate(); d != nil {
			d.DidConnect(address)
		}
	}()
	return nil
}

func (c *Central) Disconnect(address string) {
	device := c.conn.Object(bluezBus, c.devicePath(address))
	go func() {
		if err := device.Call(ifaceDevice+".Disconnect", 0).Err; err != nil {
			logger.Debug(c.prefix, "disconnect %s: %v", address, err)
		}
	}()
}

// DiscoverServices waits for BlueZ to resolve the device's GATT database
// and reports the service UUIDs. Characteristic object paths are cached
// for ReadCharacteristic.
func (c *Central) DiscoverServices(address string) error {
	devicePath := c.devicePath(address)
	go func() {
		d := c.getDelegate()
		if d == nil {
			return
		}
		if err := c.waitServicesResolved(devicePath); err != nil {
			d.DidDiscoverServices(address, nil, err)
			return
		}
		uuids, err := c.indexDevice(devicePath)
		d.DidDiscoverServices(address, uuids, err)
	}()
	return nil
}

func (c *Central) ReadCharacteristic(address, serviceUUID, characteristicUUID string) error {
	devicePath := c.devicePath(address)

	c.mu.Lock()
	charPath, ok := c.chars[devicePath][strings.ToLower(characteristicUUID)]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("characteristic %s not found on %s", characteristicUUID, address)
	}

	char := c.conn.Object(bluezBus, charPath)
	go func() {
		d := c.getDelegate()
		if d == nil {
			return
		}
		var value []byte
		err := char.Call(ifaceGattChar+".ReadValue", 0, map[string]dbus.Variant{}).Store(&value)
		if err != nil {
			logger.Debug(c.prefix, "read %s on %s: %v", characteristicUUID, address, err)
			d.DidReadCharacteristic(address, characteristicUUID, nil, ble.ReadFailure)
			return
		}
		d.DidReadCharacteristic(address, characteristicUUID, value, ble.ReadSuccess)
	}()
	return nil
}

func (c *Central) Close() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.StopScan()
	c.conn.RemoveSignal(c.signals)
	return c.conn.Close()
}

// devicePath derives the BlueZ object path of a device from its address:
// AA:BB:CC:DD:EE:FF -> <adapter>/dev_AA_BB_CC_DD_EE_FF
func (c *Central) devicePath(address string) dbus.ObjectPath {
	suffix := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(string(c.adapterPath) + "/dev_" + suffix)
}

func (c *Central) addressOf(devicePath dbus.ObjectPath) string {
	parts := strings.Split(string(devicePath), "/dev_")
	if len(parts) != 2 {
		return ""
	}
	return strings.ReplaceAll(parts[1], "_", ":")
}

func (c *Central) signalLoop() {
	for sig := range c.signals {
		switch sig.Name {
		case ifaceObjManager + ".InterfacesAdded":
			c.handleInterfacesAdded(sig)
		case ifaceProperties + ".PropertiesChanged":
			c.handlePropertiesChanged(sig)
		}
	}
}

func (c *Central) handleInterfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) != 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	interfaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}
	props, ok := interfaces[ifaceDevice]
	if !ok {
		return
	}
	c.emitDiscovered(path, props)
}

func (c *Central) handlePropertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != ifaceDevice {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	address := c.addressOf(sig.Path)
	if address == "" {
		return
	}

	if variant, ok := changed["Connected"]; ok {
		if connected, _ := variant.Value().(bool); !connected {
			c.mu.Lock()
			delete(c.chars, sig.Path)
			c.mu.Unlock()
			if d := c.getDelegate(); d != nil {
				d.DidDisconnect(address, nil)
			}
		}
	}

	// A device re-advertising after a disconnect shows up as an RSSI
	// property change, not InterfacesAdded.
	if _, ok := changed["RSSI"]; ok {
		go c.reportDevice(sig.Path)
	}
}

func (c *Central) reportKnownDevices(serviceUUID string) {
	objects, err := c.managedObjects()
	if err != nil {
		logger.Debug(c.prefix, "get managed objects: %v", err)
		return
	}
	for path, interfaces := range objects {
		props, ok := interfaces[ifaceDevice]
		if !ok {
			continue
		}
		adv := advertisementFrom(path, props, c.addressOf(path))
		if serviceUUID != "" && !adv.HasService(serviceUUID) {
			continue
		}
		if d := c.getDelegate(); d != nil {
			d.DidDiscover(adv)
		}
	}
}

func (c *Central) reportDevice(path dbus.ObjectPath) {
	device := c.conn.Object(bluezBus, path)
	var props map[string]dbus.Variant
	err := device.Call(ifaceProperties+".GetAll", 0, ifaceDevice).Store(&props)
	if err != nil {
		return
	}
	c.emitDiscovered(path, props)
}

func (c *Central) emitDiscovered(path dbus.ObjectPath, props map[string]dbus.Variant) {
	d := c.getDelegate()
	if d == nil {
		return
	}
	d.DidDiscover(advertisementFrom(path, props, c.addressOf(path)))
}

func advertisementFrom(path dbus.ObjectPath, props map[string]dbus.Variant, fallbackAddress string) ble.Advertisement {
	adv := ble.Advertisement{Address: fallbackAddress}
	if v, ok := props["Address"]; ok {
		if address, ok := v.Value().(string); ok {
			adv.Address = address
		}
	}
	if v, ok := props["Name"]; ok {
		adv.Name, _ = v.Value().(string)
	}
	if v, ok := props["UUIDs"]; ok {
		if uuids, ok := v.Value().([]string); ok {
			adv.ServiceUUIDs = uuids
		}
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			adv.RSSI = int(rssi)
		}
	}
	return adv
}

func (c *Central) waitServicesResolved(devicePath dbus.ObjectPath) error {
	device := c.conn.Object(bluezBus, devicePath)
	deadline := time.Now().Add(servicesResolvedTimeout)
	for time.Now().Before(deadline) {
		variant, err := device.GetProperty(ifaceDevice + ".ServicesResolved")
		if err != nil {
			return fmt.Errorf("services resolved: %w", err)
		}
		if resolved, _ := variant.Value().(bool); resolved {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("services of %s not resolved within %s", devicePath, servicesResolvedTimeout)
}

// indexDevice walks the object tree under a device, caches its
// characteristic paths and returns the service UUIDs it exposes.
func (c *Central) indexDevice(devicePath dbus.ObjectPath) ([]string, error) {
	objects, err := c.managedObjects()
	if err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}

	var serviceUUIDs []string
	chars := make(map[string]dbus.ObjectPath)
	prefix := string(devicePath) + "/"

	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if props, ok := interfaces[ifaceGattSvc]; ok {
			if v, ok := props["UUID"]; ok {
				if uuid, ok := v.Value().(string); ok {
					serviceUUIDs = append(serviceUUIDs, strings.ToLower(uuid))
				}
			}
		}
		if props, ok := interfaces[ifaceGattChar]; ok {
			if v, ok := props["UUID"]; ok {
				if uuid, ok := v.Value().(string); ok {
					chars[strings.ToLower(uuid)] = path
				}
			}
		}
	}

	c.mu.Lock()
	c.chars[devicePath] = chars
	c.mu.Unlock()
	return serviceUUIDs, nil
}

func (c *Central) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := c.conn.Object(bluezBus, "/").
		Call(ifaceObjManager+".GetManagedObjects", 0).
		Store(&objects)
	return objects, err
}
