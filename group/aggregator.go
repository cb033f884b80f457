package group

import (
	"context"
	"sync"
	"time"

	"github.com/sellmair/broadheart/heart"
	"github.com/sellmair/broadheart/logger"
)

// memberRecord is the aggregator's mutable per-user state. Only the
// aggregator loop touches it; everything leaving the loop is a value
// copy.
type memberRecord struct {
	user          heart.User
	heartRate     *heart.HeartRate
	heartRateTime *time.Time
	limit         *heart.HeartRate
}

type limitUpdate struct {
	userId heart.UserId
	limit  heart.HeartRate
}

// Aggregator owns the canonical group state. It is a single-writer loop:
// measurements, identities, limit updates and the invalidation tick all
// serialize through Run, so concurrent arrivals settle into one total
// order of snapshot publications and no update is ever lost between
// triggers.
type Aggregator struct {
	window time.Duration
	tick   time.Duration
	now    func() time.Time

	measurements chan heart.Measurement
	users        chan heart.User
	limits       chan limitUpdate
	kick         chan struct{}

	members []*memberRecord
	index   map[heart.UserId]*memberRecord

	prefix string

	mu     sync.Mutex
	subs   map[chan heart.Group]bool
	latest heart.Group
}

// NewAggregator creates an aggregator with the given invalidation window
// and tick interval.
func NewAggregator(cfg Config, prefix string) *Aggregator {
	return &Aggregator{
		window:       cfg.InvalidationWindow,
		tick:         cfg.TickInterval,
		now:          time.Now,
		measurements: make(chan heart.Measurement),
		users:        make(chan heart.User),
		limits:       make(chan limitUpdate),
		kick:         make(chan struct{}, 1),
		index:        make(map[heart.UserId]*memberRecord),
		subs:         make(map[chan heart.Group]bool),
		prefix:       prefix,
	}
}

// Run processes triggers until the context is cancelled. Exactly one Run
// may be active per aggregator.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	for {
		select {
		case m := <-a.measurements:
			a.applyMeasurement(m)
			a.publish()
		case u := <-a.users:
			a.applyUser(u)
			a.publish()
		case l := <-a.limits:
			a.applyLimit(l)
			a.publish()
		case <-ticker.C:
			a.publish()
		case <-a.kick:
			a.publish()
		case <-ctx.Done():
			return
		}
	}
}

// PublishMeasurement feeds one sample into the aggregator. Blocks until
// the loop accepts it or the context ends.
func (a *Aggregator) PublishMeasurement(ctx context.Context, m heart.Measurement) {
	select {
	case a.measurements <- m:
	case <-ctx.Done():
	}
}

// PublishUser makes a user known to the group, appending a member entry
// in first-seen order. Re-publishing an existing user refreshes the
// identity fields without touching heart rate or limit.
func (a *Aggregator) PublishUser(ctx context.Context, u heart.User) {
	select {
	case a.users <- u:
	case <-ctx.Done():
	}
}

// PublishLimit merges a heart-rate ceiling into the member record.
// Unknown users are dropped; the limit daemon only computes ceilings for
// members that already exist.
func (a *Aggregator) PublishLimit(ctx context.Context, id heart.UserId, limit heart.HeartRate) {
	select {
	case a.limits <- limitUpdate{userId: id, limit: limit}:
	case <-ctx.Done():
	}
}

// Recompute forces an immediate invalidation pass and snapshot, without
// waiting for the next tick.
func (a *Aggregator) Recompute() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *Aggregator) applyMeasurement(m heart.Measurement) {
	record, exists := a.index[m.User.Id]
	if !exists {
		record = &memberRecord{user: m.User}
		a.index[m.User.Id] = record
		a.members = append(a.members, record)
		logger.Debug(a.prefix, "new member from measurement: %s", m.User)
	}
	value := m.Value
	t := m.Time
	record.heartRate = &value
	record.heartRateTime = &t
}

func (a *Aggregator) applyUser(u heart.User) {
	record, exists := a.index[u.Id]
	if !exists {
		record = &memberRecord{user: u}
		a.index[u.Id] = record
		a.members = append(a.members, record)
		logger.Info(a.prefix, "new member: %s", u)
		return
	}
	record.user = u
}

func (a *Aggregator) applyLimit(l limitUpdate) {
	record, exists := a.index[l.userId]
	if !exists {
		return
	}
	limit := l.limit
	record.limit = &limit
}

// publish invalidates stale heart rates and hands every subscriber a
// fully-formed snapshot. Members are never removed; a silent peer decays
// to an unknown heart rate but stays visible.
func (a *Aggregator) publish() {
	now := a.now()
	for _, record := range a.members {
		if record.heartRate != nil && record.heartRateTime != nil &&
			now.Sub(*record.heartRateTime) > a.window {
			logger.Debug(a.prefix, "heart rate of %s went stale", record.user)
			record.heartRate = nil
		}
	}

	snapshot := heart.Group{Members: make([]heart.MemberState, len(a.members))}
	for i, record := range a.members {
		state := heart.MemberState{User: record.user}
		if record.heartRate != nil {
			value := *record.heartRate
			state.HeartRate = &value
		}
		if record.heartRateTime != nil {
			t := *record.heartRateTime
			state.HeartRateTime = &t
		}
		if record.limit != nil {
			limit := *record.limit
			state.Limit = &limit
		}
		snapshot.Members[i] = state
	}

	a.mu.Lock()
	a.latest = snapshot
	for ch := range a.subs {
		// Latest-value semantics: a slow subscriber loses intermediate
		// snapshots, never blocks the loop.
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
	a.mu.Unlock()
}

// Subscribe returns a channel of snapshots and a cancel function. The
// channel holds at most the most recent snapshot.
func (a *Aggregator) Subscribe() (<-chan heart.Group, func()) {
	ch := make(chan heart.Group, 1)
	a.mu.Lock()
	a.subs[ch] = true
	a.mu.Unlock()

	cancel := func() {
		a.mu.Lock()
		delete(a.subs, ch)
		a.mu.Unlock()
	}
	return ch, cancel
}

// Latest returns the most recently published snapshot.
func (a *Aggregator) Latest() heart.Group {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}
