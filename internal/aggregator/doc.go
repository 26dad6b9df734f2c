// Package aggregator implements the multi-tier level of the scheduler: one node
// owning several executors.
//
// Executors never talk to each other directly. An idle executor asks the
// aggregator for work; the aggregator steals from its siblings, ordered by the
// request's constellation strategy, and escalates to the distributed
// coordinator when the node has nothing. Signals are resolved the same way,
// from the executor that minted the target outward.
//
// The node's quiescence is tracked by one executor.Pending shared by all of
// its executors. Done waits for it to reach zero before stopping them.
package aggregator
