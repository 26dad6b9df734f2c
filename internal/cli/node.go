package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/roach88/constellation/internal/config"
	"github.com/roach88/constellation/internal/constellation"
	"github.com/roach88/constellation/internal/metrics"
	"github.com/roach88/constellation/internal/store"
	"github.com/roach88/constellation/internal/transport/ws"
	"github.com/roach88/constellation/internal/workload"
)

// TransportPath is where nodes accept each other's websocket connections.
const TransportPath = "/ws"

// NodeOptions holds flags for the node command.
type NodeOptions struct {
	*RootOptions
	Cluster   string
	Rank      uint32
	N         int64
	Executors int
	Timeout   time.Duration // 0 waits for the master indefinitely
}

// NodeReport is the outcome of one node's part in a distributed run.
type NodeReport struct {
	Rank        uint32             `json:"rank"`
	Master      bool               `json:"master"`
	Workload    string             `json:"workload,omitempty"`
	N           int64              `json:"n,omitempty"`
	Result      int64              `json:"result,omitempty"`
	Elapsed     time.Duration      `json:"elapsed_ns"`
	Diagnostics []string           `json:"diagnostics,omitempty"`
	Statistics  map[string]float64 `json:"statistics,omitempty"`
}

// Text implements Texter.
func (r NodeReport) Text(w io.Writer) {
	if r.Master {
		fmt.Fprintf(w, "node %d (master): %s(%d) = %d\n", r.Rank, r.Workload, r.N, r.Result)
	} else {
		fmt.Fprintf(w, "node %d: terminated\n", r.Rank)
	}
	fmt.Fprintf(w, "  elapsed: %s\n", r.Elapsed.Round(time.Microsecond))
	for _, d := range r.Diagnostics {
		fmt.Fprintf(w, "  ! %s\n", d)
	}
	if len(r.Statistics) > 0 {
		fmt.Fprintln(w, "  statistics:")
		writeStatistics(w, r.Statistics)
	}
}

// NewNodeCommand creates the node command.
func NewNodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Join a distributed run as one node",
		Long: `Join a distributed run over websockets.

Every node serves its transport on /ws and its statistics on /metrics,
/status and /healthz. Peer addresses come from the nodes of the cluster
file, or from the peers property. The master runs the fibonacci workload
and terminates the cluster when it is done; the other nodes steal work
until they are told to terminate.

Examples:
  constellation node --cluster cluster.cue --rank 0 --n 35
  constellation node --cluster cluster.cue --rank 1
  CONSTELLATION_MASTER=1 constellation node --config node.yaml --rank 1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Cluster, "cluster", "", "cluster file (cue)")
	cmd.Flags().Uint32Var(&opts.Rank, "rank", 0, "rank of this node")
	cmd.Flags().Int64Var(&opts.N, "n", 20, "fibonacci argument (master only)")
	cmd.Flags().IntVar(&opts.Executors, "executors", runtime.NumCPU(), "executors when no cluster file is given")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "abort after this long (0 = no limit)")

	return cmd
}

// nodeAddresses returns the listen address of rank and the dial URL of every
// node, from the cluster file or else from the properties.
func nodeAddresses(rank uint32, cluster *config.Cluster, p *config.Properties) (string, map[uint32]string, error) {
	addrs := cluster.Nodes
	if len(addrs) == 0 {
		addrs = p.PeerMap()
	}
	self, ok := addrs[rank]
	if !ok {
		return "", nil, fmt.Errorf("rank %d has no address among %d nodes", rank, len(addrs))
	}
	listen := p.Listen
	if !strings.Contains(self, "://") {
		listen = self
	}
	urls := make(map[uint32]string, len(addrs))
	for r, addr := range addrs {
		urls[r] = peerURL(addr)
	}
	return listen, urls, nil
}

// peerURL turns host:port into the websocket URL of the node's transport.
func peerURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "ws://" + addr + TransportPath
}

func runNode(parent context.Context, opts *NodeOptions, cmd *cobra.Command) error {
	if parent == nil {
		parent = context.Background()
	}
	props, err := opts.properties()
	if err != nil {
		return err
	}
	logger := newLogger(props, opts.Verbose, cmd.ErrOrStderr()).With("node", opts.Rank)
	slog.SetDefault(logger)

	cluster, err := loadCluster(opts.Cluster, opts.Executors)
	if err != nil {
		return err
	}
	cfgs, err := cluster.Configs(props)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid executor configuration", err)
	}
	listen, urls, err := nodeAddresses(opts.Rank, cluster, props)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid node addresses", err)
	}
	if _, ok := urls[props.Master]; !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("master %d has no address", props.Master))
	}

	ctx, cancel := signalContext(parent)
	defer cancel()
	if opts.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, opts.Timeout)
		defer cancelTimeout()
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	prof, err := openProfiler(ctx, props, store.Run{
		Node:      opts.Rank,
		Label:     fmt.Sprintf("%s(%d)", workload.FibKind, opts.N),
		Executors: len(cfgs),
	}, logger)
	if err != nil {
		return err
	}

	tr := ws.New(ws.Config{Self: opts.Rank, Peers: urls, Logger: logger.With("transport", "ws")})
	cc := props.Coordinator()
	if cc.PoolSize == 0 {
		cc.PoolSize = len(urls)
	}
	o, err := nodeOptions(props, logger, m)
	if err != nil {
		return multierr.Append(err, prof.close(context.Background()))
	}
	o = append(o, prof.options()...)
	c, err := constellation.New(cfgs, append(o, constellation.Distributed(tr, cc))...)
	if err != nil {
		_ = tr.Close()
		return multierr.Append(WrapExitError(ExitCommandError, "failed to build node", err), prof.close(context.Background()))
	}

	r := chi.NewRouter()
	r.Handle(TransportPath, tr.Handler())
	r.Mount("/", metrics.NewRouter(reg, func() any {
		members := tr.Members()
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		return map[string]any{
			"rank":        opts.Rank,
			"master":      c.IsMaster(),
			"members":     members,
			"diagnostics": c.Diagnostics(),
		}
	}))
	srv := &http.Server{Addr: listen, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()
	tr.Start()
	logger.Info("node listening", "addr", listen, "peers", len(urls)-1, "master", props.Master)

	start := time.Now()
	report := NodeReport{Rank: opts.Rank, Master: c.IsMaster()}
	err = c.Activate(ctx)
	if err == nil {
		if c.IsMaster() {
			report.Workload, report.N = workload.FibKind, opts.N
			var runErr error
			report.Result, runErr = workload.RunFibonacci(ctx, c, opts.N)
			err = multierr.Append(runErr, c.Done(ctx))
		} else {
			err = c.Done(ctx)
		}
	}
	report.Elapsed = time.Since(start)
	report.Diagnostics = c.Diagnostics()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	err = multierr.Append(err, c.Close())
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", "error", serr)
	}
	select {
	case serr := <-serveErr:
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to listen on %s", listen), serr)
	default:
	}
	if perr := prof.close(shutdownCtx); perr != nil {
		logger.Error("profile flush failed", "error", perr)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "node failed", err)
	}
	if props.Statistics {
		if report.Statistics, err = statistics(reg); err != nil {
			return err
		}
	}

	if err := opts.formatter(cmd).SuccessRun(prof.runID(), report); err != nil {
		return err
	}
	if report.Master {
		if want := workload.Fib(opts.N); report.Result != want {
			return NewExitError(ExitFailure, fmt.Sprintf("wrong result: got %d, want %d", report.Result, want))
		}
	}
	return nil
}
