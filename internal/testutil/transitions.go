package testutil

import (
	"sync"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/ident"
)

// TransitionLog records lifecycle moves as "from->to" strings, in order.
//
// Thread-safety: TransitionLog is safe for concurrent use.
type TransitionLog struct {
	mu    sync.Mutex
	moves []string
}

// Transition records one move.
func (l *TransitionLog) Transition(_ ident.ActivityID, _ ident.ConstellationID, from, to activity.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.moves = append(l.moves, from.String()+"->"+to.String())
}

// Moves returns a copy of the recorded moves.
func (l *TransitionLog) Moves() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.moves...)
}
