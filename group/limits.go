package group

import (
	"context"
	"time"

	"github.com/sellmair/broadheart/heart"
	"github.com/sellmair/broadheart/logger"
)

// AgeSource supplies the ages of known users, from whatever profile data
// has been stored for them.
type AgeSource interface {
	Ages(ctx context.Context) (map[heart.UserId]int, error)
}

// defaultMaxHeartRate is used when a member's age is unknown.
const defaultMaxHeartRate heart.HeartRate = 190

// MaxHeartRate is the classic age-based ceiling: 220 minus age.
func MaxHeartRate(age int) heart.HeartRate {
	if age <= 0 {
		return defaultMaxHeartRate
	}
	return heart.HeartRate(220 - age)
}

// LimitDaemon periodically recomputes each known member's personal
// heart-rate ceiling and pushes it into the aggregator. Pure derived
// computation: a failed cycle is skipped, never fatal.
type LimitDaemon struct {
	source   AgeSource
	agg      *Aggregator
	interval time.Duration
	prefix   string
}

func NewLimitDaemon(source AgeSource, agg *Aggregator, cfg Config, prefix string) *LimitDaemon {
	return &LimitDaemon{
		source:   source,
		agg:      agg,
		interval: cfg.LimitInterval,
		prefix:   prefix,
	}
}

// Run recomputes limits once immediately and then on every interval
// until the context ends.
func (d *LimitDaemon) Run(ctx context.Context) {
	d.cycle(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (d *LimitDaemon) cycle(ctx context.Context) {
	ages, err := d.source.Ages(ctx)
	if err != nil {
		logger.Warn(d.prefix, "limit recompute skipped: %v", err)
		return
	}
	for id, age := range ages {
		d.agg.PublishLimit(ctx, id, MaxHeartRate(age))
	}
	logger.Trace(d.prefix, "recomputed limits for %d users", len(ages))
}
