package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/constellation"
	"github.com/roach88/constellation/internal/coordinator"
	"github.com/roach88/constellation/internal/executor"
	"github.com/roach88/constellation/internal/policy"
	"github.com/roach88/constellation/internal/store"
	"github.com/roach88/constellation/internal/testutil"
	"github.com/roach88/constellation/internal/transport/mem"
	"github.com/roach88/constellation/internal/workload"
)

// Harness is the scenario execution engine.
type Harness struct {
	observer *testutil.ExclusionObserver
	recorder *store.Recorder
	logger   *slog.Logger
	nodes    []constellation.Constellation
}

// Run executes a scenario and returns the result.
//
// Each scenario records into a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Build the executor configurations and one constellation per node
// 2. Activate every node
// 3. Run the workload on the master
// 4. Drain every node concurrently
// 5. Evaluate assertions against the result
func Run(scenario *Scenario) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), scenario.Timeout)
	defer cancel()

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	cfgs, err := Configs(scenario)
	if err != nil {
		return nil, err
	}
	rec, err := st.NewRecorder(ctx, store.Run{Label: scenario.Name, Executors: len(cfgs) * scenario.Nodes}, nil)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		observer: testutil.NewExclusionObserver(),
		recorder: rec,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}
	if err := h.build(scenario, cfgs); err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	if err := h.each(ctx, func(ctx context.Context, c constellation.Constellation) error { return c.Activate(ctx) }); err != nil {
		return nil, fmt.Errorf("failed to activate: %w", err)
	}

	value, runErr := workload.RunFibonacci(ctx, h.nodes[0], scenario.Workload.N)
	drainErr := h.each(ctx, func(ctx context.Context, c constellation.Constellation) error { return c.Done(ctx) })
	if err := multierr.Combine(runErr, drainErr, rec.Close(ctx)); err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", scenario.Name, err)
	}

	result.Value = value
	result.Completed = h.observer.Finished()
	result.Violations = h.observer.Violations()
	for _, c := range h.nodes {
		result.Diagnostics = append(result.Diagnostics, c.Diagnostics()...)
	}
	if result.Summary, err = st.Summarize(ctx, rec.RunID()); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// Configs expands the executor steps of s.
func Configs(s *Scenario) ([]executor.Config, error) {
	var cfgs []executor.Config
	for i, step := range s.Executors {
		ctx, err := policy.ParseExecutorContext(step.Context)
		if err != nil {
			return nil, fmt.Errorf("executor %d: %w", i, err)
		}
		cfg := executor.DefaultConfig(ctx)
		for _, f := range []struct {
			name string
			into *policy.StealStrategy
		}{
			{step.Local, &cfg.LocalStrategy},
			{step.Siblings, &cfg.ConstellationStrategy},
			{step.Remote, &cfg.RemoteStrategy},
		} {
			if f.name == "" {
				continue
			}
			if *f.into, err = policy.ParseStealStrategy(f.name); err != nil {
				return nil, fmt.Errorf("executor %d: %w", i, err)
			}
		}
		if step.BelongsTo != "" {
			if cfg.BelongsTo, err = policy.ParseStealPool(step.BelongsTo); err != nil {
				return nil, fmt.Errorf("executor %d: %w", i, err)
			}
		}
		if step.StealsFrom != "" {
			if cfg.StealsFrom, err = policy.ParseStealPool(step.StealsFrom); err != nil {
				return nil, fmt.Errorf("executor %d: %w", i, err)
			}
		}
		if step.StealSize > 0 {
			cfg.StealSize = step.StealSize
		}
		for n := 0; n < step.Count; n++ {
			cfgs = append(cfgs, cfg)
		}
	}
	return cfgs, nil
}

func (h *Harness) build(s *Scenario, cfgs []executor.Config) error {
	opts := func() ([]constellation.Option, error) {
		reg := activity.NewRegistry()
		if err := workload.Register(reg); err != nil {
			return nil, err
		}
		return []constellation.Option{
			constellation.WithRegistry(reg),
			constellation.WithObserver(h.observer),
			constellation.WithObserver(h.recorder),
			constellation.WithLogger(h.logger),
		}, nil
	}

	if s.Nodes == 1 {
		o, err := opts()
		if err != nil {
			return err
		}
		c, err := constellation.New(cfgs, o...)
		if err != nil {
			return err
		}
		h.nodes = []constellation.Constellation{c}
		return nil
	}

	hub := mem.NewHub()
	cc := coordinator.DefaultConfig()
	cc.PoolSize = s.Nodes
	for i := 0; i < s.Nodes; i++ {
		o, err := opts()
		if err != nil {
			return err
		}
		c, err := constellation.New(cfgs, append(o, constellation.Distributed(hub.Join(), cc))...)
		if err != nil {
			h.close()
			return err
		}
		h.nodes = append(h.nodes, c)
	}
	return nil
}

// each runs fn on every node concurrently.
func (h *Harness) each(ctx context.Context, fn func(context.Context, constellation.Constellation) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range h.nodes {
		c := c
		g.Go(func() error { return fn(gctx, c) })
	}
	return g.Wait()
}

func (h *Harness) close() {
	for _, c := range h.nodes {
		_ = c.Close()
	}
}
