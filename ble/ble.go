package ble

// The broadheart GATT service. Every participating device advertises
// ServiceUUID and exposes two readable characteristics carrying the
// owner's identity. Identity transfer is pull-based: no writes, no
// notifications.
const (
	ServiceUUID       = "a3f0e9a0-54c1-4a62-bd7b-1f0f2f6e9a10"
	UserIdCharUUID    = "a3f0e9a1-54c1-4a62-bd7b-1f0f2f6e9a10" // read: 8-byte big-endian user id
	UserNameCharUUID  = "a3f0e9a2-54c1-4a62-bd7b-1f0f2f6e9a10" // read: UTF-8 display name
)

// State mirrors the radio/permission state of the underlying adapter.
// Discovery must not start before StatePoweredOn.
type State int

const (
	StateUnknown State = iota
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s State) String() string {
	switch s {
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "poweredOff"
	case StatePoweredOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// ReadStatus is the GATT-style result code of a characteristic read.
type ReadStatus int

const (
	ReadSuccess ReadStatus = 0 // GATT_SUCCESS
	ReadFailure ReadStatus = 1 // GATT_FAILURE
)

// Advertisement is one received advertising packet.
type Advertisement struct {
	Address      string
	Name         string
	ServiceUUIDs []string
	RSSI         int
}

// HasService reports whether the advertisement carries the given service.
func (a Advertisement) HasService(uuid string) bool {
	for _, s := range a.ServiceUUIDs {
		if s == uuid {
			return true
		}
	}
	return false
}

// CentralDelegate receives transport events. All callbacks may fire on
// transport-owned goroutines; implementations route by address.
type CentralDelegate interface {
	DidUpdateState(state State)
	DidDiscover(adv Advertisement)
	DidConnect(address string)
	DidFailToConnect(address string, err error)
	DidDisconnect(address string, err error)
	DidDiscoverServices(address string, serviceUUIDs []string, err error)
	DidReadCharacteristic(address, characteristicUUID string, value []byte, status ReadStatus)
}

// Central is the one transport abstraction the aggregation core depends
// on. Implementations: ble/sim (in-memory, tests and demo mode) and
// ble/bluez (BlueZ over D-Bus on Linux).
type Central interface {
	SetDelegate(d CentralDelegate)
	State() State

	// StartScan begins a continuous scan filtered to serviceUUID.
	// Duplicate advertisements from the same address are delivered as
	// they arrive; dedup is the caller's job.
	StartScan(serviceUUID string) error
	StopScan()

	Connect(address string) error
	Disconnect(address string)

	// DiscoverServices enumerates the services of a connected peer and
	// reports them through DidDiscoverServices.
	DiscoverServices(address string) error

	// ReadCharacteristic issues a single read request. The result arrives
	// through DidReadCharacteristic. At most one read per peer may be
	// outstanding at a time; correlation is by characteristic UUID.
	ReadCharacteristic(address, serviceUUID, characteristicUUID string) error

	Close() error
}
