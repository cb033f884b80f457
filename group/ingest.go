package group

import (
	"context"
	"sync"

	"github.com/sellmair/broadheart/heart"
)

// Ingest merges measurement sources (the local sensor, remote broadcast
// receivers) into one stream. Samples are forwarded as they arrive, with
// no buffering or reordering; every source is expected to tag samples
// with their originating user already.
type Ingest struct {
	out chan heart.Measurement
	ctx context.Context
	wg  sync.WaitGroup
}

func NewIngest(ctx context.Context) *Ingest {
	return &Ingest{
		out: make(chan heart.Measurement),
		ctx: ctx,
	}
}

// AddSource merges a measurement channel into the output stream. The
// forwarding task ends when the source closes or the ingest context is
// cancelled.
func (i *Ingest) AddSource(source <-chan heart.Measurement) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		for {
			select {
			case m, ok := <-source:
				if !ok {
					return
				}
				select {
				case i.out <- m:
				case <-i.ctx.Done():
					return
				}
			case <-i.ctx.Done():
				return
			}
		}
	}()
}

// Out is the merged measurement stream.
func (i *Ingest) Out() <-chan heart.Measurement {
	return i.out
}

// Wait blocks until all source forwarders have stopped.
func (i *Ingest) Wait() {
	i.wg.Wait()
}
