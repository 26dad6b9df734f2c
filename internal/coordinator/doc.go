// Package coordinator implements the distributed tier: steals, signals,
// placement and termination between the nodes of a cluster.
//
// A coordinator runs one receive loop per node. Frames that must be answered
// quickly (signals, steal replies, terminate) are handled in the loop, in
// arrival order; steal requests are answered on their own goroutine because
// answering one sends a relocation batch.
//
// Work is never dropped on the wire: a node only forgets activities it sent
// after the transport accepted the batch, and a steal reply that arrives after
// its requester gave up is admitted anyway.
package coordinator
