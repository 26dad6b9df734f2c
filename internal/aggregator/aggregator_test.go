package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/executor"
	"github.com/roach88/constellation/internal/ident"
	"github.com/roach88/constellation/internal/ir"
	"github.com/roach88/constellation/internal/policy"
	"github.com/roach88/constellation/internal/protocol"
)

type task struct {
	activity.Meta
	run      func(rt activity.Runtime) (activity.Outcome, error)
	onSignal func(rt activity.Runtime, sig activity.Signal) (activity.Outcome, error)
}

func (t *task) Run(rt activity.Runtime) (activity.Outcome, error) {
	if t.run == nil {
		return activity.Finish, nil
	}
	return t.run(rt)
}

func (t *task) OnSignal(rt activity.Runtime, sig activity.Signal) (activity.Outcome, error) {
	if t.onSignal == nil {
		return activity.Finish, nil
	}
	return t.onSignal(rt, sig)
}

type movable struct{ task }

func (m *movable) Kind() string { return "movable" }

func (m *movable) State() (ir.IRObject, error) { return ir.IRObject{}, nil }

func newTask(label string) *task {
	return &task{Meta: activity.Meta{Ctx: policy.NewContext(label)}}
}

func configs(labels ...string) []executor.Config {
	out := make([]executor.Config, len(labels))
	for i, l := range labels {
		ctx, err := policy.ParseExecutorContext(l)
		if err != nil {
			panic(err)
		}
		out[i] = executor.DefaultConfig(ctx)
	}
	return out
}

func registry(t *testing.T) *activity.Registry {
	t.Helper()
	reg := activity.NewRegistry()
	require.NoError(t, reg.Register("movable", func(m activity.Meta, _ ir.IRObject) (activity.Activity, error) {
		return &movable{task{Meta: m}}, nil
	}))
	return reg
}

func activate(t *testing.T, a *Aggregator) {
	t.Helper()
	require.NoError(t, a.Activate(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Done(ctx)
	})
}

// stubRemote records what the node escalates.
type stubRemote struct {
	mu      sync.Mutex
	placed  []*activity.Record
	routed  map[uint32][]activity.Signal
	stealFn func(req *protocol.StealRequest) int
}

func newStubRemote() *stubRemote {
	return &stubRemote{routed: make(map[uint32][]activity.Signal)}
}

func (r *stubRemote) Steal(_ context.Context, req *protocol.StealRequest) int {
	if r.stealFn == nil {
		return 0
	}
	return r.stealFn(req)
}

func (r *stubRemote) Route(sig activity.Signal, node uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed[node] = append(r.routed[node], sig)
	return nil
}

func (r *stubRemote) Place(rec *activity.Record) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.placed = append(r.placed, rec)
	return 4, nil
}

func (r *stubRemote) routedTo(node uint32) []activity.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]activity.Signal(nil), r.routed[node]...)
}

func TestNew_NeedsExecutors(t *testing.T) {
	_, err := New(0, nil)
	assert.ErrorIs(t, err, ErrNoExecutors)
	assert.EqualError(t, err, "need at least one executor")
}

func TestNew_IdentifiersAndUnions(t *testing.T) {
	cfgs := configs("A", "B")
	cfgs[0].BelongsTo = policy.NewStealPool("red")
	cfgs[1].BelongsTo = policy.NewStealPool("blue")

	a, err := New(3, cfgs)
	require.NoError(t, err)

	assert.Equal(t, ident.NewConstellationID(3, 0), a.Identifier())
	execs := a.Executors()
	require.Len(t, execs, 2)
	assert.Equal(t, ident.NewConstellationID(3, 1), execs[0].ID())
	assert.Equal(t, ident.NewConstellationID(3, 2), execs[1].ID())
	assert.True(t, a.Contexts().Accepts(policy.NewContext("B")))
	assert.Equal(t, []string{"blue", "red"}, a.BelongsTo().Names())
}

func TestSubmit_PlacesOnShortestAcceptingQueue(t *testing.T) {
	a, err := New(0, configs("A", "A,B"))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := a.Submit(newTask("A"))
		require.NoError(t, err)
	}
	execs := a.Executors()
	assert.Equal(t, 2, execs[0].QueueLen())
	assert.Equal(t, 2, execs[1].QueueLen())

	id, err := a.Submit(newTask("B"))
	require.NoError(t, err)
	assert.Equal(t, execs[1].ID(), id.Origin)
}

func TestSubmit_PlacementError(t *testing.T) {
	a, err := New(0, configs("A"))
	require.NoError(t, err)

	_, err = a.Submit(newTask("Z"))
	assert.True(t, protocol.IsPlacementError(err))
}

func TestSubmit_EscalatesRelocatableWork(t *testing.T) {
	a, err := New(0, configs("A"), WithRegistry(registry(t)))
	require.NoError(t, err)
	remote := newStubRemote()
	a.Attach(remote)

	act := &movable{task{Meta: activity.Meta{Ctx: policy.NewContext("Z")}}}
	id, err := a.Submit(act)
	require.NoError(t, err)
	assert.Equal(t, a.Identifier(), id.Origin)

	node, ok := a.ExportedTo(id)
	assert.True(t, ok)
	assert.Equal(t, uint32(4), node)

	// Signals for it follow it to its node.
	require.NoError(t, a.Send(activity.Signal{Target: id}))
	assert.Len(t, remote.routedTo(4), 1)

	// Work that cannot travel is a placement error.
	_, err = a.Submit(newTask("Z"))
	assert.True(t, protocol.IsPlacementError(err))
}

func TestSteal_SpreadsWorkAcrossExecutors(t *testing.T) {
	a, err := New(0, configs("A", "A", "A", "A"))
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		ran = make(map[ident.ConstellationID]int)
	)
	done := make(chan struct{})
	root := newTask("A")
	root.run = func(rt activity.Runtime) (activity.Outcome, error) {
		for i := 0; i < 64; i++ {
			child := newTask("A")
			child.run = func(rt activity.Runtime) (activity.Outcome, error) {
				time.Sleep(time.Millisecond)
				mu.Lock()
				ran[rt.Executor()]++
				mu.Unlock()
				return activity.Finish, nil
			}
			if _, err := rt.Submit(child); err != nil {
				return 0, err
			}
		}
		close(done)
		return activity.Finish, nil
	}
	_, err = a.Submit(root)
	require.NoError(t, err)
	activate(t, a)

	<-done
	assert.Eventually(t, a.Quiescent, 5*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for _, n := range ran {
		total += n
	}
	assert.Equal(t, 64, total)
	assert.Greater(t, len(ran), 1, "children should have been stolen by siblings")
}

func TestHandleSteal_RemoteRequestsRespectPools(t *testing.T) {
	cfgs := configs("A", "A")
	cfgs[0].BelongsTo = policy.NewStealPool("red")
	cfgs[1].BelongsTo = policy.NewStealPool("blue")
	a, err := New(0, cfgs, WithRegistry(registry(t)))
	require.NoError(t, err)

	for _, ex := range a.Executors() {
		_, err := ex.Submit(&movable{task{Meta: activity.Meta{Ctx: policy.NewContext("A")}}})
		require.NoError(t, err)
	}

	req := protocol.NewStealRequest(ident.NewConstellationID(9, 1),
		policy.NewExecutorContext(policy.Label("A")), policy.Biggest, policy.Biggest, policy.Biggest,
		policy.NewStealPool("green"), 4)
	req.SetRemote()
	assert.Empty(t, a.HandleSteal(context.Background(), req))

	req.Pool = policy.NewStealPool("blue")
	got := a.HandleSteal(context.Background(), req)
	require.Len(t, got, 1)
	assert.Equal(t, a.Executors()[1].ID(), got[0].ID.Origin)
}

func TestRelocate(t *testing.T) {
	newNode := func() *Aggregator {
		a, err := New(0, configs("A"), WithRegistry(registry(t)))
		require.NoError(t, err)
		return a
	}
	remoteReq := func() *protocol.StealRequest {
		req := protocol.NewStealRequest(ident.NewConstellationID(2, 1),
			policy.NewExecutorContext(policy.Label("A")), policy.Any, policy.Any, policy.Any, policy.WorldPool, 1)
		req.SetRemote()
		return req
	}

	t.Run("send failure keeps the work", func(t *testing.T) {
		a := newNode()
		id, err := a.Submit(&movable{task{Meta: activity.Meta{Ctx: policy.NewContext("A")}}})
		require.NoError(t, err)

		n := a.Relocate(context.Background(), remoteReq(), 2, func([]*activity.Record) error {
			return errors.New("link down")
		})
		assert.Zero(t, n)
		assert.Equal(t, int64(1), a.Pending())
		assert.True(t, a.Executors()[0].Holds(id))
		_, exported := a.ExportedTo(id)
		assert.False(t, exported)
	})

	t.Run("sent work is exported", func(t *testing.T) {
		a := newNode()
		remote := newStubRemote()
		a.Attach(remote)
		id, err := a.Submit(&movable{task{Meta: activity.Meta{Ctx: policy.NewContext("A")}}})
		require.NoError(t, err)

		var sent []*activity.Record
		n := a.Relocate(context.Background(), remoteReq(), 2, func(recs []*activity.Record) error {
			sent = recs
			return nil
		})
		assert.Equal(t, 1, n)
		require.Len(t, sent, 1)
		assert.True(t, id.Equal(sent[0].ID))
		assert.Zero(t, a.Pending())

		require.NoError(t, a.DeliverSignal(activity.Signal{Target: id, Payload: ir.IRInt(1)}))
		assert.Len(t, remote.routedTo(2), 1)
	})
}

func TestAdopt_PrefersThief(t *testing.T) {
	a, err := New(0, configs("A", "A"))
	require.NoError(t, err)
	thief := a.Executors()[1].ID()

	id := ident.ActivityID{Origin: ident.NewConstellationID(5, 1), Seq: 1}
	rec := activity.RestoreRecord(id, newTask("A"), false, nil)
	a.Adopt([]*activity.Record{rec}, thief)

	assert.True(t, a.Executors()[1].Holds(id))
	assert.Equal(t, int64(1), a.Pending())
}

func TestRoute(t *testing.T) {
	a, err := New(1, configs("A", "B"))
	require.NoError(t, err)

	got := make(chan ir.IRValue, 1)
	waiter := newTask("A")
	waiter.Events = true
	waiter.run = func(activity.Runtime) (activity.Outcome, error) { return activity.Suspend, nil }
	waiter.onSignal = func(_ activity.Runtime, sig activity.Signal) (activity.Outcome, error) {
		got <- sig.Payload
		return activity.Finish, nil
	}
	wid, err := a.Submit(waiter)
	require.NoError(t, err)

	sender := newTask("B")
	sender.run = func(rt activity.Runtime) (activity.Outcome, error) {
		return activity.Finish, rt.Send(wid, ir.IRString("hello"))
	}
	activate(t, a)
	assert.Eventually(t, func() bool { return a.Executors()[0].ParkedLen() == 1 }, 2*time.Second, time.Millisecond)
	_, err = a.Submit(sender)
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, ir.IRString("hello"), v)
	case <-time.After(2 * time.Second):
		t.Fatal("signal not delivered across executors")
	}
	assert.Eventually(t, a.Quiescent, 2*time.Second, time.Millisecond)

	t.Run("stale", func(t *testing.T) {
		err := a.Send(activity.Signal{Target: wid})
		assert.True(t, protocol.IsStaleError(err), "got %v", err)
	})

	t.Run("unknown", func(t *testing.T) {
		err := a.Send(activity.Signal{Target: ident.ActivityID{Origin: ident.NewConstellationID(1, 1), Seq: 999}})
		assert.True(t, protocol.IsUnknownError(err), "got %v", err)
	})

	t.Run("other node without coordinator", func(t *testing.T) {
		err := a.Send(activity.Signal{Target: ident.ActivityID{Origin: ident.NewConstellationID(7, 1), Seq: 1}})
		assert.True(t, protocol.IsUnreachableError(err), "got %v", err)
	})
}

func TestCrash_RehomesFreshWork(t *testing.T) {
	a, err := New(0, configs("A,X", "A"))
	require.NoError(t, err)

	bad := newTask("X")
	bad.run = func(activity.Runtime) (activity.Outcome, error) { panic("bug") }
	_, err = a.Submit(bad)
	require.NoError(t, err)
	activate(t, a)

	assert.Eventually(t, func() bool { return len(a.Diagnostics()) > 0 }, 2*time.Second, time.Millisecond)
	assert.Contains(t, a.Diagnostics()[0], "crashed")
	assert.Eventually(t, a.Quiescent, 2*time.Second, time.Millisecond)

	// The surviving executor still takes work.
	done := make(chan struct{})
	ok := newTask("A")
	ok.run = func(activity.Runtime) (activity.Outcome, error) {
		close(done)
		return activity.Finish, nil
	}
	_, err = a.Submit(ok)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("surviving executor did not run work")
	}
}

func TestDone_DiscardsParkedActivities(t *testing.T) {
	a, err := New(0, configs("A", "A"))
	require.NoError(t, err)
	require.NoError(t, a.Activate(context.Background()))

	waiter := newTask("A")
	waiter.Events = true
	waiter.run = func(activity.Runtime) (activity.Outcome, error) { return activity.Suspend, nil }
	wid, err := a.Submit(waiter)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Done(ctx))

	for _, ex := range a.Executors() {
		assert.Zero(t, ex.QueueLen())
		assert.Zero(t, ex.ParkedLen())
		assert.False(t, ex.Holds(wid))
	}
	require.Len(t, a.Diagnostics(), 1)
	assert.Contains(t, a.Diagnostics()[0], "discarded at drain")

	_, err = a.Submit(newTask("A"))
	assert.True(t, protocol.IsNotAcceptingError(err))
}
