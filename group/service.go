package group

import (
	"context"
	"sync"
	"time"

	"github.com/sellmair/broadheart/ble"
	"github.com/sellmair/broadheart/heart"
	"github.com/sellmair/broadheart/logger"
)

// Config holds the tunables of the aggregation core.
type Config struct {
	// InvalidationWindow is how long a member's last sample stays
	// current. After it elapses with no new sample, the member's heart
	// rate reads as unknown.
	InvalidationWindow time.Duration

	// TickInterval drives recomputation when no new data arrives, so
	// decay happens even for a completely silent group.
	TickInterval time.Duration

	// LimitInterval is the limit daemon's recompute cadence.
	LimitInterval time.Duration

	// ReadAttempts and ReadRetryDelay control the per-characteristic
	// read retry budget before a peer is disconnected.
	ReadAttempts   int
	ReadRetryDelay time.Duration

	// StatePollInterval is how often the radio state is polled while
	// waiting for power/permission.
	StatePollInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		InvalidationWindow: 60 * time.Second,
		TickInterval:       30 * time.Second,
		LimitInterval:      60 * time.Second,
		ReadAttempts:       3,
		ReadRetryDelay:     250 * time.Millisecond,
		StatePollInterval:  500 * time.Millisecond,
	}
}

// UserStore is the persistence boundary: it durably records resolved
// identities, lists them back at startup and supplies profile data for
// the limit daemon.
type UserStore interface {
	AgeSource
	SaveUser(ctx context.Context, user heart.User) error
	ListUsers(ctx context.Context) ([]heart.User, error)
}

// Service wires discovery, identity resolution, ingestion, aggregation
// and the limit daemon under one lifecycle. All tasks are children of
// the context passed to Start; Stop (or context cancellation) tears
// everything down and closes open connections.
type Service struct {
	me        heart.User
	central   ble.Central
	store     UserStore
	cfg       Config
	discovery *Discovery
	agg       *Aggregator
	limits    *LimitDaemon
	ingest    *Ingest

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds the aggregation core around the given transport and
// store. me is the local user; it is part of the group from the start.
func NewService(me heart.User, central ble.Central, store UserStore, cfg Config) *Service {
	me.IsMe = true
	prefix := short(me.Name)
	agg := NewAggregator(cfg, prefix)
	return &Service{
		me:        me,
		central:   central,
		store:     store,
		cfg:       cfg,
		discovery: NewDiscovery(central, cfg, prefix),
		agg:       agg,
		limits:    NewLimitDaemon(store, agg, cfg, prefix),
	}
}

// Start launches all tasks. The local user is saved and published before
// any peer can appear, so the group always contains exactly one IsMe
// member.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.ingest = NewIngest(ctx)

	if err := s.store.SaveUser(ctx, s.me); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.agg.Run(ctx)
	}()

	s.agg.PublishUser(ctx, s.me)
	s.restoreUsers(ctx)

	s.discovery.Start(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consumeIdentities(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consumeMeasurements(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.limits.Run(ctx)
	}()

	logger.Info(short(s.me.Name), "heart rate scale started as %s", s.me)
	return nil
}

// Stop cancels every task and closes the transport.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.discovery.Stop()
	s.wg.Wait()
	if err := s.central.Close(); err != nil {
		logger.Warn(short(s.me.Name), "closing transport: %v", err)
	}
}

// AddSensor merges a measurement source (local sensor or remote
// broadcast receiver) into the ingestion stream. Call after Start.
func (s *Service) AddSensor(source <-chan heart.Measurement) {
	s.ingest.AddSource(source)
}

// Subscribe returns a latest-value snapshot channel and a cancel func.
func (s *Service) Subscribe() (<-chan heart.Group, func()) {
	return s.agg.Subscribe()
}

// Group returns the most recent snapshot.
func (s *Service) Group() heart.Group {
	return s.agg.Latest()
}

// Me returns the local user.
func (s *Service) Me() heart.User {
	return s.me
}

// restoreUsers brings every persisted identity back into the group, so
// known names show up before their peers reconnect. Only the current
// local user may carry IsMe; a stale flag from an earlier configuration
// is cleared.
func (s *Service) restoreUsers(ctx context.Context) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		logger.Warn(short(s.me.Name), "loading known users: %v", err)
		return
	}
	for _, u := range users {
		if u.Id == s.me.Id {
			continue
		}
		u.IsMe = false
		s.agg.PublishUser(ctx, u)
	}
}

func (s *Service) consumeIdentities(ctx context.Context) {
	for {
		select {
		case identity := <-s.discovery.Identities():
			if err := s.store.SaveUser(ctx, identity.User); err != nil {
				logger.Warn(short(s.me.Name), "saving %s: %v", identity.User, err)
			}
			s.agg.PublishUser(ctx, identity.User)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) consumeMeasurements(ctx context.Context) {
	for {
		select {
		case m := <-s.ingest.Out():
			s.agg.PublishMeasurement(ctx, m)
		case <-ctx.Done():
			return
		}
	}
}
