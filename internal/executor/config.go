package executor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/ident"
	"github.com/roach88/constellation/internal/policy"
	"github.com/roach88/constellation/internal/protocol"
)

// Config describes one executor.
type Config struct {
	// Context is the set of activity contexts the executor runs.
	Context policy.ExecutorContext
	// LocalStrategy picks the next fresh activity and answers steals aimed at
	// this executor.
	LocalStrategy policy.StealStrategy
	// ConstellationStrategy orders sibling executors when stealing on the node.
	ConstellationStrategy policy.StealStrategy
	// RemoteStrategy orders candidate nodes when stealing across nodes.
	RemoteStrategy policy.StealStrategy
	// BelongsTo is the pool other nodes must overlap to steal from this executor.
	BelongsTo policy.StealPool
	// StealsFrom is the pool this executor's steal requests are scoped to.
	StealsFrom policy.StealPool
	// StealSize is the number of activities asked for per steal.
	StealSize int
}

// DefaultConfig accepts ctx with the strategies used for divide-and-conquer
// work: run the smallest local work first, steal the biggest.
func DefaultConfig(ctx policy.ExecutorContext) Config {
	return Config{
		Context:               ctx,
		LocalStrategy:         policy.Smallest,
		ConstellationStrategy: policy.Biggest,
		RemoteStrategy:        policy.Biggest,
		BelongsTo:             policy.WorldPool,
		StealsFrom:            policy.WorldPool,
		StealSize:             1,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Context.IsEmpty() {
		return fmt.Errorf("executor config: %w: no context", policy.ErrInvalidContext)
	}
	for _, s := range []policy.StealStrategy{c.LocalStrategy, c.ConstellationStrategy, c.RemoteStrategy} {
		if !s.Valid() {
			return fmt.Errorf("executor config: %w: %s", policy.ErrInvalidStrategy, s)
		}
	}
	if c.StealSize < 1 {
		return fmt.Errorf("executor config: steal size %d < 1", c.StealSize)
	}
	return nil
}

// Pending counts the queued, running and in-flight work of one node. A node is
// quiescent when the count is zero. Successor work is always added before its
// predecessor is removed, so the count never dips to zero while work remains.
type Pending struct {
	n atomic.Int64
}

// Add adjusts the count and returns the new value.
func (p *Pending) Add(delta int64) int64 {
	return p.n.Add(delta)
}

// Load returns the current count.
func (p *Pending) Load() int64 {
	return p.n.Load()
}

// Parent is the owning tier of an executor.
type Parent interface {
	// Steal looks for work for the idle executor req.Source and admits what it
	// finds there. It returns the number of activities admitted.
	Steal(ctx context.Context, req *protocol.StealRequest) int
	// Route delivers a signal whose target this executor does not hold.
	Route(sig activity.Signal) error
	// Place admits an activity this executor does not accept.
	Place(a activity.Activity) (ident.ActivityID, error)
	// Discarded records the identifier of a finished activity.
	Discarded(id ident.ActivityID)
	// WorkAvailable tells the parent an executor queued fresh work.
	WorkAvailable(from ident.ConstellationID)
}

// Observer sees every lifecycle transition. It is called with the executor
// lock held and must not call back into the executor.
type Observer interface {
	Transition(id ident.ActivityID, executor ident.ConstellationID, from, to activity.State)
}
