// Package sensor provides heart-rate sample sources. The real local
// sensor is an external capability; Simulated stands in for it in demo
// mode and tests, producing a slow sinusoidal BPM curve.
package sensor

import (
	"context"
	"math"
	"time"

	"github.com/sellmair/broadheart/heart"
)

// Simulated emits synthetic measurements for one user.
type Simulated struct {
	user     heart.User
	base     heart.HeartRate
	swing    heart.HeartRate
	period   time.Duration
	interval time.Duration
	out      chan heart.Measurement
}

// NewSimulated creates a sensor oscillating around base by +-swing over
// period, emitting one sample per interval.
func NewSimulated(user heart.User, base, swing heart.HeartRate, period, interval time.Duration) *Simulated {
	return &Simulated{
		user:     user,
		base:     base,
		swing:    swing,
		period:   period,
		interval: interval,
		out:      make(chan heart.Measurement),
	}
}

// Out is the measurement stream. Closed when Run ends.
func (s *Simulated) Out() <-chan heart.Measurement {
	return s.out
}

// Run emits samples until the context ends.
func (s *Simulated) Run(ctx context.Context) {
	defer close(s.out)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(start)
			phase := 2 * math.Pi * float64(elapsed) / float64(s.period)
			value := s.base + s.swing*heart.HeartRate(math.Sin(phase))
			select {
			case s.out <- heart.NewMeasurement(s.user, value):
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
