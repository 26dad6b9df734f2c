// Package harness runs scheduler scenarios end to end.
//
// A scenario names a topology (nodes and executor configurations), a workload
// and the assertions the run must satisfy. The harness builds the
// constellations, shares one lifecycle observer and one profiling recorder
// between every executor, runs the workload from the master and drains all
// nodes.
//
// # Scenario Format
//
//	name: fib_four_executors
//	description: "fib(12) spread over four executors"
//	nodes: 1
//	executors:
//	  - context: fib
//	    count: 4
//	workload:
//	  kind: fib
//	  n: 12
//	assertions:
//	  - type: result
//	    value: 144
//	  - type: exclusive
//
// # Assertion Types
//
//   - result: the workload produced value
//   - completed: exactly count activities completed
//   - diagnostics: exactly count diagnostics were reported
//   - exclusive: no activity ran on two executors at once and every
//     lifecycle move was legal
//
// Golden files hold the deterministic part of a run (result and counts, not
// placement) under testdata/golden.
package harness
