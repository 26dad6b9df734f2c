package activity

import (
	"github.com/roach88/constellation/internal/ident"
	"github.com/roach88/constellation/internal/policy"
)

// Record is the scheduler's bookkeeping for one admitted activity. A record is
// owned by exactly one executor at a time and is only mutated by its owner.
type Record struct {
	ID       ident.ActivityID
	Activity Activity

	state   State
	started bool
	mailbox []Signal
}

// NewRecord wraps a freshly admitted activity.
func NewRecord(id ident.ActivityID, a Activity) *Record {
	return &Record{ID: id, Activity: a, state: Created}
}

// RestoreRecord rebuilds a record that was relocated from another node.
// The record is in the Relocating state until its new owner queues it.
func RestoreRecord(id ident.ActivityID, a Activity, started bool, mailbox []Signal) *Record {
	return &Record{ID: id, Activity: a, state: Relocating, started: started, mailbox: mailbox}
}

// State returns the lifecycle state.
func (r *Record) State() State { return r.state }

// Started reports whether Run has been called.
func (r *Record) Started() bool { return r.started }

// MarkStarted records that Run has been called.
func (r *Record) MarkStarted() { r.started = true }

// Context returns the declared context of the activity.
func (r *Record) Context() policy.Context { return r.Activity.Context() }

// Transition moves the record to next, rejecting illegal moves.
func (r *Record) Transition(next State) error {
	if !r.state.CanTransition(next) {
		return &TransitionError{From: r.state, To: next}
	}
	r.state = next
	return nil
}

// Push appends a signal to the mailbox.
func (r *Record) Push(sig Signal) {
	r.mailbox = append(r.mailbox, sig)
}

// Pop removes the oldest pending signal.
func (r *Record) Pop() (Signal, bool) {
	if len(r.mailbox) == 0 {
		return Signal{}, false
	}
	sig := r.mailbox[0]
	r.mailbox[0] = Signal{}
	r.mailbox = r.mailbox[1:]
	return sig, true
}

// Pending returns the number of undelivered signals.
func (r *Record) Pending() int { return len(r.mailbox) }

// Mailbox returns a copy of the undelivered signals.
func (r *Record) Mailbox() []Signal {
	return append([]Signal(nil), r.mailbox...)
}

// Stealable reports whether the record may be handed to a steal request.
// Only fresh queued activities move: once started, an activity stays with its
// executor.
func (r *Record) Stealable(isLocal bool) bool {
	return r.state == Queued && !r.started && r.Activity.Locality().MayMove(isLocal)
}
