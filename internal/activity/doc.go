// Package activity defines the contract between the scheduler and the work it
// runs.
//
// An Activity never blocks its executor. Run starts it; when it has to wait for
// a signal it returns Suspend and the executor parks it. Each delivered signal
// re-enters the activity through OnSignal, until it returns Finish. The state of
// a parked activity is whatever the activity keeps in its own fields, so no
// goroutine is held per waiting activity.
//
// Activities that may move to another node implement Relocatable and register a
// Factory under their kind, so the receiving node can rebuild them from their
// serialized state.
package activity
