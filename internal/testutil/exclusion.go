package testutil

import (
	"fmt"
	"sync"
	"testing"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/ident"
)

// ExclusionObserver checks lifecycle transitions across every executor of a
// run: an activity runs on at most one executor at a time and each move is
// legal from the state the activity was last seen in.
//
// Share one observer between all executors, on every node, of a test run.
//
// Thread-safety: All methods are safe for concurrent use.
type ExclusionObserver struct {
	mu         sync.Mutex
	last       map[ident.Key]activity.State
	running    map[ident.Key]ident.ConstellationID
	finished   int
	violations []string
}

// NewExclusionObserver creates an observer with no history.
func NewExclusionObserver() *ExclusionObserver {
	return &ExclusionObserver{
		last:    make(map[ident.Key]activity.State),
		running: make(map[ident.Key]ident.ConstellationID),
	}
}

// Transition records one lifecycle move.
func (o *ExclusionObserver) Transition(id ident.ActivityID, executor ident.ConstellationID, from, to activity.State) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := id.Key()
	last, seen := o.last[key]
	if !seen {
		last = activity.Created
	}
	// A restored record enters a node in Relocating; its victim saw it first.
	if last != from && !(from == activity.Relocating && !seen) {
		o.violate("%s on %s: moved %s -> %s but was %s", id, executor, from, to, last)
	}
	if !from.CanTransition(to) {
		o.violate("%s on %s: illegal %s -> %s", id, executor, from, to)
	}

	if to == activity.Running {
		if other, ok := o.running[key]; ok {
			o.violate("%s running on %s and %s", id, other, executor)
		}
		o.running[key] = executor
	}
	if from == activity.Running {
		if other := o.running[key]; other != executor {
			o.violate("%s left running on %s, was running on %s", id, executor, other)
		}
		delete(o.running, key)
	}
	if to == activity.Completed {
		o.finished++
	}
	o.last[key] = to
}

func (o *ExclusionObserver) violate(format string, args ...any) {
	o.violations = append(o.violations, fmt.Sprintf(format, args...))
}

// Violations returns every broken rule in observation order.
func (o *ExclusionObserver) Violations() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.violations...)
}

// Finished returns the number of activities that completed.
func (o *ExclusionObserver) Finished() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finished
}

// Running returns the number of activities currently running.
func (o *ExclusionObserver) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// AssertClean fails t for every recorded violation.
func (o *ExclusionObserver) AssertClean(t testing.TB) {
	t.Helper()
	for _, v := range o.Violations() {
		t.Errorf("lifecycle violation: %s", v)
	}
}
