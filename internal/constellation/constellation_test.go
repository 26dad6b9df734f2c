package constellation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/coordinator"
	"github.com/roach88/constellation/internal/executor"
	"github.com/roach88/constellation/internal/ident"
	"github.com/roach88/constellation/internal/ir"
	"github.com/roach88/constellation/internal/policy"
	"github.com/roach88/constellation/internal/protocol"
	"github.com/roach88/constellation/internal/testutil"
	"github.com/roach88/constellation/internal/transport/mem"
	"github.com/roach88/constellation/internal/workload"
)

func fibConfigs(t *testing.T, n int) []executor.Config {
	t.Helper()
	ctx, err := policy.ParseExecutorContext("fib")
	require.NoError(t, err)
	cfgs := make([]executor.Config, n)
	for i := range cfgs {
		cfgs[i] = executor.DefaultConfig(ctx)
	}
	return cfgs
}

func fibRegistry(t *testing.T) *activity.Registry {
	t.Helper()
	reg := activity.NewRegistry()
	require.NoError(t, workload.Register(reg))
	return reg
}

func TestNew_NeedsExecutors(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrNoExecutors)
	assert.EqualError(t, err, "need at least one executor")
}

func TestNew_PicksComposition(t *testing.T) {
	c, err := New(fibConfigs(t, 1))
	require.NoError(t, err)
	assert.IsType(t, &single{}, c)
	assert.True(t, c.IsMaster())

	c, err = New(fibConfigs(t, 1), WithAggregator())
	require.NoError(t, err)
	assert.IsType(t, &multi{}, c)

	c, err = New(fibConfigs(t, 3))
	require.NoError(t, err)
	assert.IsType(t, &multi{}, c)
	assert.Equal(t, ident.NewConstellationID(0, 0), c.Identifier())
}

func TestFibonacci_Local(t *testing.T) {
	for _, n := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("executors=%d", n), func(t *testing.T) {
			mx := testutil.NewExclusionObserver()
			c, err := New(fibConfigs(t, n), WithObserver(mx), WithRegistry(fibRegistry(t)))
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			require.NoError(t, c.Activate(ctx))

			got, err := workload.RunFibonacci(ctx, c, 20)
			require.NoError(t, err)
			assert.Equal(t, int64(6765), got)

			require.NoError(t, c.Done(ctx))
			require.NoError(t, c.Close())
			assert.Empty(t, c.Diagnostics())
			mx.AssertClean(t)
			assert.Equal(t, int(workload.FibActivities(20))+1, mx.Finished())
		})
	}
}

// nodeWork counts completed activities per node and the hand-overs to a thief.
type nodeWork struct {
	mu        sync.Mutex
	done      map[uint32]int
	relocated int
}

func (w *nodeWork) Transition(_ ident.ActivityID, exec ident.ConstellationID, _, to activity.State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch to {
	case activity.Completed:
		w.done[exec.Node()]++
	case activity.Relocating:
		w.relocated++
	}
}

func (w *nodeWork) relocations() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.relocated
}

func (w *nodeWork) nodes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.done)
}

func TestFibonacci_Distributed(t *testing.T) {
	for _, n := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("nodes=%d", n), func(t *testing.T) {
			hub := mem.NewHub()
			mx := testutil.NewExclusionObserver()
			work := &nodeWork{done: make(map[uint32]int)}
			cfg := coordinator.DefaultConfig()
			cfg.PoolSize = n

			nodes := make([]Constellation, n)
			for i := range nodes {
				ep := hub.Join()
				c, err := New(fibConfigs(t, 1),
					Distributed(ep, cfg),
					WithObserver(mx),
					WithObserver(work),
					WithRegistry(fibRegistry(t)),
				)
				require.NoError(t, err)
				nodes[i] = c
			}
			t.Cleanup(func() {
				for _, c := range nodes {
					_ = c.Close()
				}
			})

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			for _, c := range nodes {
				c := c
				g.Go(func() error { return c.Activate(gctx) })
			}
			require.NoError(t, g.Wait())

			master := nodes[0]
			require.True(t, master.IsMaster())
			got, err := workload.RunFibonacci(ctx, master, 20)
			require.NoError(t, err)
			assert.Equal(t, int64(6765), got)

			g, gctx = errgroup.WithContext(ctx)
			for _, c := range nodes {
				c := c
				g.Go(func() error { return c.Done(gctx) })
			}
			require.NoError(t, g.Wait())
			for _, c := range nodes {
				assert.Empty(t, c.Diagnostics())
			}
			mx.AssertClean(t)
			assert.Equal(t, int(workload.FibActivities(20))+1, mx.Finished())

			switch {
			case n == 1:
				assert.Zero(t, work.relocations())
			case n >= 4:
				assert.Greater(t, work.nodes(), 2, "work should spread past two nodes: %v", work.done)
			case n == 2:
				assert.Equal(t, 2, work.nodes(), "work should leave the master: %v", work.done)
			}
			if n > 1 {
				assert.Positive(t, work.relocations())
			}
		})
	}
}

func TestActivate_OutlivesActivationContext(t *testing.T) {
	builds := map[string]func(t *testing.T) Constellation{
		"single": func(t *testing.T) Constellation {
			c, err := New(fibConfigs(t, 1), WithRegistry(fibRegistry(t)))
			require.NoError(t, err)
			return c
		},
		"aggregator": func(t *testing.T) Constellation {
			c, err := New(fibConfigs(t, 2), WithRegistry(fibRegistry(t)))
			require.NoError(t, err)
			return c
		},
	}
	for name, build := range builds {
		t.Run(name, func(t *testing.T) {
			c := build(t)
			defer c.Close()

			// errgroup cancels gctx as soon as Wait returns.
			g, gctx := errgroup.WithContext(context.Background())
			g.Go(func() error { return c.Activate(gctx) })
			require.NoError(t, g.Wait())
			require.Error(t, gctx.Err())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			got, err := workload.RunFibonacci(ctx, c, 10)
			require.NoError(t, err)
			assert.Equal(t, int64(55), got)
			require.NoError(t, c.Done(ctx))
		})
	}
}

func TestClose_StopsWithoutDone(t *testing.T) {
	c, err := New(fibConfigs(t, 2))
	require.NoError(t, err)
	require.NoError(t, c.Activate(context.Background()))

	w := &waiter{Meta: activity.Meta{Ctx: policy.NewContext("fib"), Events: true, Place: activity.Pinned}}
	_, err = c.Submit(w)
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the executors")
	}
	_, err = c.Submit(&waiter{Meta: activity.Meta{Ctx: policy.NewContext("fib")}})
	assert.True(t, protocol.IsNotAcceptingError(err), "got %v", err)
}

// waiter suspends until a signal arrives.
type waiter struct {
	activity.Meta
}

func (w *waiter) Run(activity.Runtime) (activity.Outcome, error) { return activity.Suspend, nil }

func (w *waiter) OnSignal(activity.Runtime, activity.Signal) (activity.Outcome, error) {
	return activity.Finish, nil
}

func TestSingle_SignalErrors(t *testing.T) {
	c, err := New(fibConfigs(t, 1), WithIdlePoll(time.Millisecond))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Activate(ctx))

	collector := activity.NewCollector(policy.NewContext("fib"))
	cid, err := c.Submit(collector)
	require.NoError(t, err)
	wid, err := c.Submit(&waiter{Meta: activity.Meta{Ctx: policy.NewContext("fib"), Events: true}})
	require.NoError(t, err)

	require.NoError(t, c.Send(activity.Signal{Target: wid, Payload: ir.IRString("go")}))
	require.NoError(t, c.Send(activity.Signal{Target: cid, Payload: ir.IRInt(1)}))
	_, err = collector.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		err := c.Send(activity.Signal{Target: wid, Payload: ir.IRInt(2)})
		return protocol.IsStaleError(err)
	}, 2*time.Second, time.Millisecond)

	missing := ident.ActivityID{Origin: ident.NewConstellationID(7, 1), Seq: 1, ExpectsEvents: true}
	err = c.Send(activity.Signal{Target: missing})
	assert.True(t, protocol.IsUnknownError(err))

	require.NoError(t, c.Done(ctx))
}

func TestSingle_PlacementError(t *testing.T) {
	c, err := New(fibConfigs(t, 1))
	require.NoError(t, err)
	_, err = c.Submit(&waiter{Meta: activity.Meta{Ctx: policy.NewContext("other")}})
	assert.True(t, protocol.IsPlacementError(err))
}

func TestDone_RejectsLateSubmissions(t *testing.T) {
	for _, multi := range []bool{false, true} {
		t.Run(fmt.Sprintf("aggregator=%t", multi), func(t *testing.T) {
			var opts []Option
			if multi {
				opts = append(opts, WithAggregator())
			}
			c, err := New(fibConfigs(t, 1), opts...)
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, c.Activate(ctx))

			_, err = c.Submit(&waiter{Meta: activity.Meta{Ctx: policy.NewContext("fib"), Events: true}})
			require.NoError(t, err)
			require.NoError(t, c.Done(ctx))

			diag := c.Diagnostics()
			require.Len(t, diag, 1)
			assert.Contains(t, diag[0], "discarded at drain")

			_, err = c.Submit(&waiter{Meta: activity.Meta{Ctx: policy.NewContext("fib")}})
			assert.True(t, protocol.IsNotAcceptingError(err))
		})
	}
}

func TestFibonacci_ConcurrentSubmitters(t *testing.T) {
	c, err := New(fibConfigs(t, 4), WithRegistry(fibRegistry(t)))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, c.Activate(ctx))

	var wg sync.WaitGroup
	results := make([]int64, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := workload.RunFibonacci(ctx, c, int64(10+i))
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()
	for i, v := range results {
		assert.Equal(t, workload.Fib(int64(10+i)), v)
	}
	require.NoError(t, c.Done(ctx))
}
