package group

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sellmair/broadheart/ble"
	"github.com/sellmair/broadheart/logger"
)

// Discovery scans for peers advertising the heart rate scale service and
// runs one identity session per discovered device. It owns the session
// arena: at most one live session per device address, keyed by address,
// removed on disconnect so a peer can come back as a fresh session.
type Discovery struct {
	central ble.Central
	prefix  string

	pollInterval time.Duration
	readAttempts int
	retryDelay   time.Duration

	identities chan Identity

	mu       sync.Mutex
	sessions map[string]*peerSession

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDiscovery creates a discovery manager. Call Start to begin scanning.
func NewDiscovery(central ble.Central, cfg Config, prefix string) *Discovery {
	return &Discovery{
		central:      central,
		prefix:       prefix,
		pollInterval: cfg.StatePollInterval,
		readAttempts: cfg.ReadAttempts,
		retryDelay:   cfg.ReadRetryDelay,
		identities:   make(chan Identity),
		sessions:     make(map[string]*peerSession),
	}
}

// Identities delivers each peer's resolved identity exactly once per
// session. A peer that reconnects is resolved (and delivered) again.
func (d *Discovery) Identities() <-chan Identity {
	return d.identities
}

// Start registers for transport callbacks and begins scanning as soon as
// the radio is powered on and authorized. It never fails hard: the radio
// state is polled until usable, and scan errors are logged and retried.
func (d *Discovery) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.central.SetDelegate(d)

	d.wg.Add(1)
	go d.scanWhenReady()
}

// Stop cancels scanning and tears down every live session.
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.central.StopScan()

	d.mu.Lock()
	sessions := make([]*peerSession, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.sessions = make(map[string]*peerSession)
	d.mu.Unlock()

	for _, s := range sessions {
		s.close()
		d.central.Disconnect(s.address)
	}
	d.wg.Wait()
}

// scanWhenReady waits for the radio to become usable before scanning.
// Permission can be granted asynchronously by the user, so this polls
// rather than failing.
func (d *Discovery) scanWhenReady() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		if state := d.central.State(); state == ble.StatePoweredOn {
			if err := d.central.StartScan(ble.ServiceUUID); err == nil {
				logger.Info(d.prefix, "scanning for peers (service %s)", short(ble.ServiceUUID))
				return
			} else {
				logger.Warn(d.prefix, "scan failed to start, retrying: %v", err)
			}
		} else {
			logger.Trace(d.prefix, "radio not ready (%s), waiting", state)
		}

		select {
		case <-ticker.C:
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Discovery) sessionFor(address string) *peerSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[address]
}

func (d *Discovery) removeSession(address string) *peerSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.sessions[address]
	delete(d.sessions, address)
	return s
}

// SessionCount returns the number of live sessions (connecting or
// connected peers).
func (d *Discovery) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// DidUpdateState implements ble.CentralDelegate.
func (d *Discovery) DidUpdateState(state ble.State) {
	logger.Debug(d.prefix, "radio state: %s", state)
}

// DidDiscover deduplicates advertisements by device address: an address
// with a live session (connecting or connected) is ignored until that
// session ends.
func (d *Discovery) DidDiscover(adv ble.Advertisement) {
	if !adv.HasService(ble.ServiceUUID) {
		return
	}

	d.mu.Lock()
	// No new sessions once Stop has cancelled the context; the wait
	// group must not grow while Stop is waiting on it.
	if d.ctx == nil || d.ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	if _, exists := d.sessions[adv.Address]; exists {
		d.mu.Unlock()
		return
	}
	s := newPeerSession(adv.Address, d.central, d.prefix, d.readAttempts, d.retryDelay)
	d.sessions[adv.Address] = s
	d.wg.Add(1)
	d.mu.Unlock()

	logger.Info(d.prefix, "discovered peer %s (%s, rssi %d)", short(adv.Address), adv.Name, adv.RSSI)

	if err := d.central.Connect(adv.Address); err != nil {
		logger.Warn(d.prefix, "connect to %s failed: %v", short(adv.Address), err)
		d.removeSession(adv.Address)
		s.close()
		d.wg.Done()
		return
	}

	go d.runSession(s)
}

func (d *Discovery) runSession(s *peerSession) {
	defer d.wg.Done()

	identity, err := s.run(d.ctx)
	if err != nil {
		switch {
		case errors.Is(err, ErrDisconnected):
			logger.Debug(d.prefix, "peer %s: session ended: disconnected", short(s.address))
		case errors.Is(err, context.Canceled):
		default:
			// Identity could not be resolved within the retry budget.
			// Drop the connection; the peer can be rediscovered fresh.
			logger.Warn(d.prefix, "peer %s: identity resolution failed: %v", short(s.address), err)
			s.close()
			d.removeSession(s.address)
			d.central.Disconnect(s.address)
		}
		return
	}

	logger.Info(d.prefix, "peer %s identified as %s", short(s.address), identity.User)

	select {
	case d.identities <- identity:
	case <-d.ctx.Done():
	}
}

// DidConnect implements ble.CentralDelegate.
func (d *Discovery) DidConnect(address string) {
	if s := d.sessionFor(address); s != nil {
		logger.Debug(d.prefix, "connected to %s", short(address))
		s.handleConnected()
	}
}

// DidFailToConnect implements ble.CentralDelegate.
func (d *Discovery) DidFailToConnect(address string, err error) {
	logger.Warn(d.prefix, "connection to %s failed: %v", short(address), err)
	if s := d.removeSession(address); s != nil {
		s.close()
	}
}

// DidDisconnect implements ble.CentralDelegate. Disconnects are normal:
// the session is torn down, its waiters unblocked, and the address freed
// for rediscovery.
func (d *Discovery) DidDisconnect(address string, err error) {
	if err != nil {
		logger.Debug(d.prefix, "peer %s disconnected: %v", short(address), err)
	} else {
		logger.Debug(d.prefix, "peer %s disconnected", short(address))
	}
	if s := d.removeSession(address); s != nil {
		s.close()
	}
}

// DidDiscoverServices implements ble.CentralDelegate.
func (d *Discovery) DidDiscoverServices(address string, serviceUUIDs []string, err error) {
	if s := d.sessionFor(address); s != nil {
		s.handleServicesDiscovered(serviceUUIDs, err)
	}
}

// DidReadCharacteristic implements ble.CentralDelegate.
func (d *Discovery) DidReadCharacteristic(address, characteristicUUID string, value []byte, status ble.ReadStatus) {
	if s := d.sessionFor(address); s != nil {
		s.handleRead(characteristicUUID, value, status)
	}
}
