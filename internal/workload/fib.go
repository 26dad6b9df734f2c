// Package workload holds the activities used to exercise a constellation.
package workload

import (
	"context"
	"fmt"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/ident"
	"github.com/roach88/constellation/internal/ir"
	"github.com/roach88/constellation/internal/policy"
)

// FibKind is the registry kind of Fibonacci.
const FibKind = "fib"

// FibLabel is the context label of Fibonacci activities.
const FibLabel = "fib"

// Fibonacci computes fib(n) by divide and conquer: it submits fib(n-1) and
// fib(n-2), waits for both results and sends their sum to its parent.
type Fibonacci struct {
	activity.Meta
	n       int64
	parent  ident.ActivityID
	pending int64
	sum     int64
}

// NewFibonacci creates the activity computing fib(n) for parent. Its rank is
// n, so the biggest steal strategy hands out the largest subproblems.
func NewFibonacci(n int64, parent ident.ActivityID) *Fibonacci {
	return &Fibonacci{
		Meta:   activity.Meta{Ctx: policy.NewContext(FibLabel).WithRank(n), Events: n >= 2},
		n:      n,
		parent: parent,
	}
}

// N returns the argument.
func (f *Fibonacci) N() int64 { return f.n }

// Kind implements activity.Relocatable.
func (f *Fibonacci) Kind() string { return FibKind }

// State implements activity.Relocatable.
func (f *Fibonacci) State() (ir.IRObject, error) {
	return ir.IRObject{
		"n":             ir.IRInt(f.n),
		"pending":       ir.IRInt(f.pending),
		"sum":           ir.IRInt(f.sum),
		"parent_origin": ir.IRInt(int64(f.parent.Origin)),
		"parent_seq":    ir.IRInt(f.parent.Seq),
		"parent_events": ir.IRBool(f.parent.ExpectsEvents),
	}, nil
}

// RestoreFibonacci rebuilds a relocated Fibonacci.
func RestoreFibonacci(meta activity.Meta, state ir.IRObject) (activity.Activity, error) {
	var vals [5]int64
	for i, key := range []string{"n", "pending", "sum", "parent_origin", "parent_seq"} {
		v, err := state.GetInt(key)
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", FibKind, err)
		}
		vals[i] = v
	}
	events, _ := state["parent_events"].(ir.IRBool)
	return &Fibonacci{
		Meta:    meta,
		n:       vals[0],
		pending: vals[1],
		sum:     vals[2],
		parent: ident.ActivityID{
			Origin:        ident.ConstellationID(vals[3]),
			Seq:           vals[4],
			ExpectsEvents: bool(events),
		},
	}, nil
}

// Run submits the two subproblems, or answers directly for n < 2.
func (f *Fibonacci) Run(rt activity.Runtime) (activity.Outcome, error) {
	if f.n < 2 {
		return activity.Finish, rt.Send(f.parent, ir.IRInt(f.n))
	}
	self := rt.Self()
	for _, n := range []int64{f.n - 1, f.n - 2} {
		if _, err := rt.Submit(NewFibonacci(n, self)); err != nil {
			return 0, fmt.Errorf("fib(%d): %w", f.n, err)
		}
	}
	f.pending = 2
	return activity.Suspend, nil
}

// OnSignal adds one partial result.
func (f *Fibonacci) OnSignal(rt activity.Runtime, sig activity.Signal) (activity.Outcome, error) {
	v, ok := sig.Payload.(ir.IRInt)
	if !ok {
		return 0, fmt.Errorf("fib(%d): unexpected payload %T", f.n, sig.Payload)
	}
	f.sum += int64(v)
	f.pending--
	if f.pending > 0 {
		return activity.Suspend, nil
	}
	return activity.Finish, rt.Send(f.parent, ir.IRInt(f.sum))
}

// Register adds the workload's relocatable kinds to reg.
func Register(reg *activity.Registry) error {
	return reg.Register(FibKind, RestoreFibonacci)
}

// Submitter admits activities.
type Submitter interface {
	Submit(a activity.Activity) (ident.ActivityID, error)
}

// FibActivities is the number of Fibonacci activities computing fib(n).
func FibActivities(n int64) int64 {
	if n < 2 {
		return 1
	}
	return 1 + FibActivities(n-1) + FibActivities(n-2)
}

// Fib computes fib(n) sequentially.
func Fib(n int64) int64 {
	a, b := int64(0), int64(1)
	for i := int64(0); i < n; i++ {
		a, b = b, a+b
	}
	return a
}

// RunFibonacci submits a collector and fib(n) and waits for the result.
func RunFibonacci(ctx context.Context, s Submitter, n int64) (int64, error) {
	collector := activity.NewCollector(policy.NewContext(FibLabel))
	cid, err := s.Submit(collector)
	if err != nil {
		return 0, fmt.Errorf("submit collector: %w", err)
	}
	if _, err := s.Submit(NewFibonacci(n, cid)); err != nil {
		return 0, fmt.Errorf("submit fib(%d): %w", n, err)
	}
	sig, err := collector.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("fib(%d): %w", n, err)
	}
	v, ok := sig.Payload.(ir.IRInt)
	if !ok {
		return 0, fmt.Errorf("fib(%d): unexpected result %T", n, sig.Payload)
	}
	return int64(v), nil
}
