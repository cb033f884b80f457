package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sellmair/broadheart/ble"
	"github.com/sellmair/broadheart/heart"
	"github.com/sellmair/broadheart/logger"
)

// ErrDisconnected unblocks any in-flight wait when the peer's connection
// goes away. Disconnects are a normal lifecycle transition, not a fault.
var ErrDisconnected = errors.New("peer disconnected")

// Identity is the atomic output of a peer session: a fully resolved user
// bound to the device address it was read from. Partial identities (only
// one of id/name) never leave the session.
type Identity struct {
	Address string
	User    heart.User
}

type sessionState int

const (
	stateConnecting sessionState = iota
	stateServicesDiscovered
	stateReadingIdentity
	stateIdentified
	stateDisconnected
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateServicesDiscovered:
		return "servicesDiscovered"
	case stateReadingIdentity:
		return "readingIdentity"
	case stateIdentified:
		return "identified"
	case stateDisconnected:
		return "disconnected"
	default:
		return "invalid"
	}
}

type readResult struct {
	value  []byte
	status ble.ReadStatus
}

type servicesResult struct {
	uuids []string
	err   error
}

// pendingRead correlates the single outstanding read request with its
// callback. Reads are serialized per peer, so one slot is enough; the
// characteristic UUID guards against a late callback being attributed to
// the wrong read.
type pendingRead struct {
	charUUID string
	ch       chan readResult
}

// peerSession owns one connection attempt to one peer device. It lives
// in the discovery arena from first advertisement until disconnect and
// runs the identity protocol:
//
//	connecting -> servicesDiscovered -> readingIdentity -> identified
//
// with disconnected terminal from any state.
type peerSession struct {
	address string
	central ble.Central
	prefix  string

	readAttempts int
	retryDelay   time.Duration

	connected  chan struct{}
	services   chan servicesResult
	done       chan struct{}
	closeOnce  sync.Once
	connectOne sync.Once

	mu      sync.Mutex
	state   sessionState
	pending *pendingRead
}

func newPeerSession(address string, central ble.Central, prefix string, readAttempts int, retryDelay time.Duration) *peerSession {
	return &peerSession{
		address:      address,
		central:      central,
		prefix:       prefix,
		readAttempts: readAttempts,
		retryDelay:   retryDelay,
		connected:    make(chan struct{}),
		services:     make(chan servicesResult, 1),
		done:         make(chan struct{}),
		state:        stateConnecting,
	}
}

func (s *peerSession) setState(state sessionState) {
	s.mu.Lock()
	prev := s.state
	if prev == stateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	logger.Debug(s.prefix, "peer %s: %s -> %s", short(s.address), prev, state)
}

// handleConnected is called by the discovery manager when the transport
// reports the connection established.
func (s *peerSession) handleConnected() {
	s.connectOne.Do(func() { close(s.connected) })
}

func (s *peerSession) handleServicesDiscovered(uuids []string, err error) {
	select {
	case s.services <- servicesResult{uuids: uuids, err: err}:
	default:
	}
}

// handleRead routes a read callback to the waiting request. Results for
// a characteristic nobody is waiting on are dropped with a warning; that
// would mean the one-outstanding-read rule was violated.
func (s *peerSession) handleRead(charUUID string, value []byte, status ble.ReadStatus) {
	s.mu.Lock()
	p := s.pending
	if p == nil || p.charUUID != charUUID {
		s.mu.Unlock()
		logger.Warn(s.prefix, "peer %s: uncorrelated read result for %s", short(s.address), short(charUUID))
		return
	}
	s.pending = nil
	s.mu.Unlock()
	p.ch <- readResult{value: value, status: status}
}

// close marks the session terminal and releases every waiter.
func (s *peerSession) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateDisconnected
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
	})
}

// run drives the identity protocol to completion. It returns the peer's
// identity, or ErrDisconnected if the connection went away first, or a
// protocol error after the read retry budget is spent.
func (s *peerSession) run(ctx context.Context) (Identity, error) {
	select {
	case <-s.connected:
	case <-s.done:
		return Identity{}, ErrDisconnected
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	}

	if err := s.central.DiscoverServices(s.address); err != nil {
		return Identity{}, fmt.Errorf("discover services: %w", err)
	}

	var result servicesResult
	select {
	case result = <-s.services:
	case <-s.done:
		return Identity{}, ErrDisconnected
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	}
	if result.err != nil {
		return Identity{}, fmt.Errorf("discover services: %w", result.err)
	}
	if !containsUUID(result.uuids, ble.ServiceUUID) {
		return Identity{}, fmt.Errorf("peer %s does not expose the heart rate scale service", short(s.address))
	}
	s.setState(stateServicesDiscovered)

	s.setState(stateReadingIdentity)
	idBytes, err := s.readWithRetry(ctx, ble.UserIdCharUUID)
	if err != nil {
		return Identity{}, fmt.Errorf("read user id: %w", err)
	}
	nameBytes, err := s.readWithRetry(ctx, ble.UserNameCharUUID)
	if err != nil {
		return Identity{}, fmt.Errorf("read user name: %w", err)
	}

	userId, err := ble.DecodeUserId(idBytes)
	if err != nil {
		return Identity{}, err
	}
	userName, err := ble.DecodeUserName(nameBytes)
	if err != nil {
		return Identity{}, err
	}

	s.setState(stateIdentified)
	return Identity{
		Address: s.address,
		User:    heart.User{Id: heart.UserId(userId), Name: userName},
	}, nil
}

// readWithRetry reads one characteristic, retrying GATT failures up to
// the session's attempt budget. Exhausting the budget is a protocol
// error; the caller disconnects the peer so it can come back as a fresh
// session.
func (s *peerSession) readWithRetry(ctx context.Context, charUUID string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= s.readAttempts; attempt++ {
		value, err := s.read(ctx, charUUID)
		if err == nil {
			return value, nil
		}
		if errors.Is(err, ErrDisconnected) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		lastErr = err
		logger.Debug(s.prefix, "peer %s: read %s attempt %d/%d failed: %v",
			short(s.address), short(charUUID), attempt, s.readAttempts, err)

		select {
		case <-time.After(s.retryDelay):
		case <-s.done:
			return nil, ErrDisconnected
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("read failed after %d attempts: %w", s.readAttempts, lastErr)
}

// read performs a single request/response exchange. Only one read may be
// outstanding per peer; the wait is released by the matching callback,
// by disconnect, or by context cancellation.
func (s *peerSession) read(ctx context.Context, charUUID string) ([]byte, error) {
	ch := make(chan readResult, 1)

	s.mu.Lock()
	if s.state == stateDisconnected {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	if s.pending != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("read of %s already in flight", short(s.pending.charUUID))
	}
	s.pending = &pendingRead{charUUID: charUUID, ch: ch}
	s.mu.Unlock()

	if err := s.central.ReadCharacteristic(s.address, ble.ServiceUUID, charUUID); err != nil {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		return nil, err
	}

	select {
	case result := <-ch:
		if result.status != ble.ReadSuccess {
			return nil, fmt.Errorf("gatt status %d", result.status)
		}
		return result.value, nil
	case <-s.done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		// Free the slot; the matching callback may already have claimed
		// it, so only clear our own registration.
		s.mu.Lock()
		if s.pending != nil && s.pending.ch == ch {
			s.pending = nil
		}
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func containsUUID(uuids []string, uuid string) bool {
	for _, u := range uuids {
		if u == uuid {
			return true
		}
	}
	return false
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
