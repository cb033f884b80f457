package group

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sellmair/broadheart/heart"
)

// fakeClock lets aggregator tests move time explicitly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour // ticks driven manually via Recompute
	cfg.StatePollInterval = 10 * time.Millisecond
	cfg.ReadRetryDelay = 5 * time.Millisecond
	cfg.LimitInterval = 20 * time.Millisecond
	return cfg
}

// startTestAggregator runs an aggregator on a fake clock and returns it
// with a subscription channel.
func startTestAggregator(t *testing.T, window time.Duration) (*Aggregator, *fakeClock, <-chan heart.Group, context.Context) {
	t.Helper()

	cfg := testConfig()
	cfg.InvalidationWindow = window

	clock := newFakeClock()
	agg := NewAggregator(cfg, "test")
	agg.now = clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	snapshots, unsubscribe := agg.Subscribe()
	t.Cleanup(unsubscribe)

	go agg.Run(ctx)
	return agg, clock, snapshots, ctx
}

func recvSnapshot(t *testing.T, ch <-chan heart.Group) heart.Group {
	t.Helper()
	select {
	case snapshot := <-ch:
		return snapshot
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return heart.Group{}
	}
}

// recvSnapshotUntil reads snapshots until cond holds or the timeout
// expires. Latest-value subscriptions may skip intermediate states, so
// assertions poll for the state they care about.
func recvSnapshotUntil(t *testing.T, ch <-chan heart.Group, cond func(heart.Group) bool) heart.Group {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snapshot := <-ch:
			if cond(snapshot) {
				return snapshot
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching snapshot")
			return heart.Group{}
		}
	}
}

func measurementAt(user heart.User, value heart.HeartRate, at time.Time) heart.Measurement {
	return heart.Measurement{User: user, Value: value, Time: at}
}
