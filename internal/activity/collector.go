package activity

import (
	"context"

	"github.com/roach88/constellation/internal/policy"
)

// Collector is a pinned activity that waits for exactly one signal and hands it
// to code running outside the scheduler.
type Collector struct {
	Meta
	ch chan Signal
}

// NewCollector creates a collector declaring ctx.
func NewCollector(ctx policy.Context) *Collector {
	return &Collector{
		Meta: Meta{Ctx: ctx, Events: true, Place: Pinned},
		ch:   make(chan Signal, 1),
	}
}

// Run parks the collector until its signal arrives.
func (c *Collector) Run(Runtime) (Outcome, error) {
	return Suspend, nil
}

// OnSignal publishes the signal and finishes.
func (c *Collector) OnSignal(_ Runtime, sig Signal) (Outcome, error) {
	select {
	case c.ch <- sig:
	default:
	}
	return Finish, nil
}

// Wait blocks until the signal arrived or ctx is done.
func (c *Collector) Wait(ctx context.Context) (Signal, error) {
	select {
	case sig := <-c.ch:
		return sig, nil
	case <-ctx.Done():
		return Signal{}, ctx.Err()
	}
}
