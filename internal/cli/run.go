package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/constellation/internal/constellation"
	"github.com/roach88/constellation/internal/coordinator"
	"github.com/roach88/constellation/internal/executor"
	"github.com/roach88/constellation/internal/store"
	"github.com/roach88/constellation/internal/transport/mem"
	"github.com/roach88/constellation/internal/workload"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Cluster   string        // cluster file; fib executors when empty
	N         int64         // fibonacci argument
	Executors int           // executors per node without a cluster file
	Nodes     int           // in-process nodes joined by the memory transport
	Timeout   time.Duration // bound on the whole run
}

// RunReport is the outcome of a run.
type RunReport struct {
	Workload    string             `json:"workload"`
	N           int64              `json:"n"`
	Result      int64              `json:"result"`
	Activities  int64              `json:"activities"`
	Nodes       int                `json:"nodes"`
	Executors   int                `json:"executors"`
	Elapsed     time.Duration      `json:"elapsed_ns"`
	Diagnostics []string           `json:"diagnostics,omitempty"`
	Statistics  map[string]float64 `json:"statistics,omitempty"`
}

// Text implements Texter.
func (r RunReport) Text(w io.Writer) {
	fmt.Fprintf(w, "%s(%d) = %d\n", r.Workload, r.N, r.Result)
	fmt.Fprintf(w, "  activities: %d\n", r.Activities)
	fmt.Fprintf(w, "  nodes: %d, executors per node: %d\n", r.Nodes, r.Executors)
	fmt.Fprintf(w, "  elapsed: %s\n", r.Elapsed.Round(time.Microsecond))
	for _, d := range r.Diagnostics {
		fmt.Fprintf(w, "  ! %s\n", d)
	}
	if len(r.Statistics) > 0 {
		fmt.Fprintln(w, "  statistics:")
		writeStatistics(w, r.Statistics)
	}
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the fibonacci workload in this process",
		Long: `Run the fibonacci workload on the executors of a cluster file.

With --nodes greater than one, that many nodes run in this process and
steal from each other over an in-memory transport, exercising the full
distributed protocol.

Examples:
  constellation run --n 25
  constellation run --cluster cluster.cue --n 30
  constellation run --executors 4 --nodes 3 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocal(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Cluster, "cluster", "", "cluster file (cue)")
	cmd.Flags().Int64Var(&opts.N, "n", 20, "fibonacci argument")
	cmd.Flags().IntVar(&opts.Executors, "executors", runtime.NumCPU(), "executors per node when no cluster file is given")
	cmd.Flags().IntVar(&opts.Nodes, "nodes", 1, "number of in-process nodes")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Minute, "abort the run after this long")

	return cmd
}

func runLocal(parent context.Context, opts *RunOptions, cmd *cobra.Command) error {
	if parent == nil {
		parent = context.Background()
	}
	if opts.N < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--n must not be negative, got %d", opts.N))
	}
	if opts.Nodes < 1 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--nodes must be at least 1, got %d", opts.Nodes))
	}

	props, err := opts.properties()
	if err != nil {
		return err
	}
	if int(props.Master) >= opts.Nodes {
		return NewExitError(ExitCommandError, fmt.Sprintf("master %d is not one of %d nodes", props.Master, opts.Nodes))
	}
	logger := newLogger(props, opts.Verbose, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	cluster, err := loadCluster(opts.Cluster, opts.Executors)
	if err != nil {
		return err
	}
	cfgs, err := cluster.Configs(props)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid executor configuration", err)
	}

	ctx, cancel := signalContext(parent)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, opts.Timeout)
	defer cancelTimeout()

	m, reg := newMetrics(props)
	prof, err := openProfiler(ctx, props, store.Run{
		Node:      props.Master,
		Label:     fmt.Sprintf("%s(%d)", workload.FibKind, opts.N),
		Executors: len(cfgs) * opts.Nodes,
	}, logger)
	if err != nil {
		return err
	}

	nodes, err := buildLocalNodes(opts.Nodes, cfgs, props.Coordinator(), func() ([]constellation.Option, error) {
		o, err := nodeOptions(props, logger, m)
		if err != nil {
			return nil, err
		}
		return append(o, prof.options()...), nil
	})
	if err != nil {
		return multierr.Append(WrapExitError(ExitCommandError, "failed to build nodes", err), prof.close(context.Background()))
	}
	defer func() {
		for _, c := range nodes {
			_ = c.Close()
		}
	}()

	logger.Info("run starting", "n", opts.N, "nodes", opts.Nodes, "executors", len(cfgs))
	start := time.Now()

	err = eachNode(ctx, nodes, func(ctx context.Context, c constellation.Constellation) error { return c.Activate(ctx) })
	var value int64
	if err == nil {
		var runErr error
		value, runErr = workload.RunFibonacci(ctx, nodes[props.Master], opts.N)
		drainErr := eachNode(ctx, nodes, func(ctx context.Context, c constellation.Constellation) error { return c.Done(ctx) })
		err = multierr.Append(runErr, drainErr)
	}
	elapsed := time.Since(start)

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelClose()
	if perr := prof.close(closeCtx); perr != nil {
		logger.Error("profile flush failed", "error", perr)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "run failed", err)
	}
	logger.Info("run finished", "elapsed", elapsed)

	report := RunReport{
		Workload:   workload.FibKind,
		N:          opts.N,
		Result:     value,
		Activities: workload.FibActivities(opts.N) + 1,
		Nodes:      opts.Nodes,
		Executors:  len(cfgs),
		Elapsed:    elapsed,
	}
	for _, c := range nodes {
		report.Diagnostics = append(report.Diagnostics, c.Diagnostics()...)
	}
	if report.Statistics, err = statistics(reg); err != nil {
		return err
	}

	if err := opts.formatter(cmd).SuccessRun(prof.runID(), report); err != nil {
		return err
	}
	if want := workload.Fib(opts.N); value != want {
		return NewExitError(ExitFailure, fmt.Sprintf("wrong result: got %d, want %d", value, want))
	}
	return nil
}

// buildLocalNodes builds n nodes over one memory hub, or a lone node without
// a transport when n is 1. opts is called once per node.
func buildLocalNodes(n int, cfgs []executor.Config, cc coordinator.Config, opts func() ([]constellation.Option, error)) ([]constellation.Constellation, error) {
	if n == 1 {
		o, err := opts()
		if err != nil {
			return nil, err
		}
		c, err := constellation.New(cfgs, o...)
		if err != nil {
			return nil, err
		}
		return []constellation.Constellation{c}, nil
	}

	hub := mem.NewHub()
	cc.PoolSize = n
	nodes := make([]constellation.Constellation, 0, n)
	for i := 0; i < n; i++ {
		o, err := opts()
		if err == nil {
			var c constellation.Constellation
			if c, err = constellation.New(cfgs, append(o, constellation.Distributed(hub.Join(), cc))...); err == nil {
				nodes = append(nodes, c)
				continue
			}
		}
		for _, c := range nodes {
			_ = c.Close()
		}
		return nil, err
	}
	return nodes, nil
}

// eachNode runs fn on every node concurrently.
func eachNode(ctx context.Context, nodes []constellation.Constellation, fn func(context.Context, constellation.Constellation) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range nodes {
		c := c
		g.Go(func() error { return fn(gctx, c) })
	}
	return g.Wait()
}
