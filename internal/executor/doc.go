// Package executor implements the single-tier executor: one worker loop over a
// private ready queue.
//
// The executor is the only component that runs activity code. Its queues and
// its table of parked activities are guarded by one mutex, shared by the loop
// and by the steal, submit and signal calls arriving from the owning
// aggregator. Activity code itself runs outside the lock, so an activity may
// submit children or send signals (including to itself) while it runs.
//
// Ready work is picked resumed-first: an activity woken by a signal runs before
// fresh work, and fresh work is picked by the configured local strategy. Only
// fresh activities (queued, never run) can be stolen.
package executor
