// Package policy holds the scheduling-policy values: the context an activity
// declares, the ExecutorContext a worker accepts, the StealStrategy applied when
// choosing what to hand over, and the StealPool scoping which nodes may steal
// from which.
//
// All values are immutable once built and safe to share between goroutines.
package policy
