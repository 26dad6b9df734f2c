// Package constellation composes the scheduling tiers into one API.
//
// New picks the composition from the configuration: a single executor runs
// alone; several executors, or a distributed run, get an aggregator; a
// distributed run adds a coordinator over the given transport. The returned
// Constellation behaves the same in every case.
package constellation

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/aggregator"
	"github.com/roach88/constellation/internal/coordinator"
	"github.com/roach88/constellation/internal/executor"
	"github.com/roach88/constellation/internal/ident"
	"github.com/roach88/constellation/internal/metrics"
	"github.com/roach88/constellation/internal/policy"
	"github.com/roach88/constellation/internal/protocol"
	"github.com/roach88/constellation/internal/transport"
)

// ErrNoExecutors is returned when no executor is configured.
var ErrNoExecutors = aggregator.ErrNoExecutors

// Constellation is the submission API of a node.
type Constellation interface {
	// Submit admits an activity and returns its identifier.
	Submit(a activity.Activity) (ident.ActivityID, error)
	// Send delivers a signal from code running outside any activity.
	Send(sig activity.Signal) error
	// Activate starts the executors. A closed pool first waits for every node.
	Activate(ctx context.Context) error
	// Done drains the node and, when distributed, runs the termination
	// handshake. It returns when the node can be closed.
	Done(ctx context.Context) error
	// Close releases the transport. Call it after Done.
	Close() error
	// Identifier is the node's constellation identifier.
	Identifier() ident.ConstellationID
	// IsMaster reports whether this node leads termination.
	IsMaster() bool
	// Diagnostics lists work lost to crashes, drains and node loss.
	Diagnostics() []string
}

type options struct {
	transport  transport.Transport
	coord      coordinator.Config
	codec      *protocol.Codec
	registry   *activity.Registry
	metrics    *metrics.Metrics
	observers  []executor.Observer
	metric     policy.SizeMetric
	idlePoll   time.Duration
	logger     *slog.Logger
	forceMulti bool
}

// Option configures New.
type Option func(*options)

// Distributed joins the cluster reachable through tr.
func Distributed(tr transport.Transport, cfg coordinator.Config) Option {
	return func(o *options) {
		o.transport = tr
		o.coord = cfg
	}
}

// WithCodec sets the frame codec used between nodes.
func WithCodec(c *protocol.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithRegistry sets the registry of relocatable activity kinds.
func WithRegistry(r *activity.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithMetrics records statistics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithObserver reports every lifecycle transition to obs.
func WithObserver(obs executor.Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithSizeMetric replaces the size compared by the smallest and biggest
// strategies.
func WithSizeMetric(m policy.SizeMetric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithIdlePoll sets how long idle executors wait between steal attempts.
func WithIdlePoll(d time.Duration) Option {
	return func(o *options) {
		o.idlePoll = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithAggregator uses an aggregator even for a single executor.
func WithAggregator() Option {
	return func(o *options) {
		o.forceMulti = true
	}
}

func (o *options) executorOptions() []executor.Option {
	var opts []executor.Option
	for _, obs := range o.observers {
		opts = append(opts, executor.WithObserver(obs))
	}
	if o.metric != nil {
		opts = append(opts, executor.WithSizeMetric(o.metric))
	}
	if o.idlePoll > 0 {
		opts = append(opts, executor.WithIdlePoll(o.idlePoll))
	}
	return opts
}

// New composes the tiers for cfgs, one executor per configuration.
func New(cfgs []executor.Config, opts ...Option) (Constellation, error) {
	if len(cfgs) == 0 {
		return nil, ErrNoExecutors
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.registry == nil {
		o.registry = activity.NewRegistry()
	}

	if o.transport == nil && len(cfgs) == 1 && !o.forceMulti {
		return newSingle(cfgs[0], o)
	}
	return newMulti(cfgs, o)
}
