package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/config"
	"github.com/roach88/constellation/internal/constellation"
	"github.com/roach88/constellation/internal/metrics"
	"github.com/roach88/constellation/internal/policy"
	"github.com/roach88/constellation/internal/store"
	"github.com/roach88/constellation/internal/workload"
)

// formatter returns an OutputFormatter bound to the writers of cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// properties loads the node properties named by --config.
func (o *RootOptions) properties() (*config.Properties, error) {
	p, err := config.LoadProperties(o.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load properties", err)
	}
	return p, nil
}

// newLogger builds the process logger from the log.* properties. --verbose
// forces debug level.
func newLogger(p *config.Properties, verbose bool, w io.Writer) *slog.Logger {
	level, err := p.LogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if p.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// loadCluster reads the cluster file at path. Without a path the cluster is
// count executors running the fib context.
func loadCluster(path string, count int) (*config.Cluster, error) {
	if path == "" {
		if count < 1 {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("need at least one executor, got %d", count))
		}
		ctx, err := policy.ParseExecutorContext(workload.FibLabel)
		if err != nil {
			return nil, err
		}
		return &config.Cluster{
			Executors: []config.ExecutorSpec{{Context: ctx, Count: count}},
			Nodes:     map[uint32]string{},
		}, nil
	}
	c, err := config.LoadCluster(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load cluster", err)
	}
	return c, nil
}

// signalContext is cancelled by SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// nodeOptions are the constellation options every node of a command shares.
func nodeOptions(p *config.Properties, logger *slog.Logger, m *metrics.Metrics) ([]constellation.Option, error) {
	reg := activity.NewRegistry()
	if err := workload.Register(reg); err != nil {
		return nil, err
	}
	return []constellation.Option{
		constellation.WithRegistry(reg),
		constellation.WithLogger(logger),
		constellation.WithIdlePoll(p.Idle.Poll),
		constellation.WithMetrics(m),
	}, nil
}

// newMetrics returns the node metrics and their registry when statistics are
// on, and nils otherwise.
func newMetrics(p *config.Properties) (*metrics.Metrics, *prometheus.Registry) {
	if !p.Statistics {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	return metrics.New(reg), reg
}

// statistics flattens the counters of reg into "name{label=value}" keys.
func statistics(reg *prometheus.Registry) (map[string]float64, error) {
	if reg == nil {
		return nil, nil
	}
	families, err := reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather statistics: %w", err)
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			c := m.GetCounter()
			if c == nil {
				continue
			}
			key := mf.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				parts := make([]string, len(labels))
				for i, l := range labels {
					parts[i] = l.GetName() + "=" + l.GetValue()
				}
				key += "{" + strings.Join(parts, ",") + "}"
			}
			out[key] = c.GetValue()
		}
	}
	return out, nil
}

// writeStatistics prints stats sorted by key.
func writeStatistics(w io.Writer, stats map[string]float64) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-60s %g\n", k, stats[k])
	}
}

// profiler records transitions into the trace database when profile.enabled
// is set. A nil profiler records nothing.
type profiler struct {
	store    *store.Store
	recorder *store.Recorder
}

func openProfiler(ctx context.Context, p *config.Properties, run store.Run, logger *slog.Logger) (*profiler, error) {
	if !p.Profile.Enabled {
		return nil, nil
	}
	st, err := store.Open(p.Profile.Output)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open profile database", err)
	}
	rec, err := st.NewRecorder(ctx, run, logger)
	if err != nil {
		_ = st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start profile run", err)
	}
	return &profiler{store: st, recorder: rec}, nil
}

func (pr *profiler) options() []constellation.Option {
	if pr == nil {
		return nil
	}
	return []constellation.Option{constellation.WithObserver(pr.recorder)}
}

func (pr *profiler) runID() string {
	if pr == nil {
		return ""
	}
	return pr.recorder.RunID()
}

// close flushes the recorder and closes the database.
func (pr *profiler) close(ctx context.Context) error {
	if pr == nil {
		return nil
	}
	return multierr.Append(pr.recorder.Close(ctx), pr.store.Close())
}
