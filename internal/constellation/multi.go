package constellation

import (
	"context"

	"go.uber.org/multierr"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/aggregator"
	"github.com/roach88/constellation/internal/coordinator"
	"github.com/roach88/constellation/internal/executor"
	"github.com/roach88/constellation/internal/ident"
)

// multi is an aggregator, with a coordinator when distributed.
type multi struct {
	agg   *aggregator.Aggregator
	coord *coordinator.Coordinator
}

func newMulti(cfgs []executor.Config, o *options) (*multi, error) {
	var node uint32
	if o.transport != nil {
		node = o.transport.Self()
	}
	agg, err := aggregator.New(node, cfgs,
		aggregator.WithExecutorOptions(o.executorOptions()...),
		aggregator.WithRegistry(o.registry),
		aggregator.WithMetrics(o.metrics),
		aggregator.WithLogger(o.logger.With("node", node)),
	)
	if err != nil {
		return nil, err
	}
	m := &multi{agg: agg}
	if o.transport == nil {
		return m, nil
	}

	m.coord, err = coordinator.New(agg, o.transport, o.coord,
		coordinator.WithCodec(o.codec),
		coordinator.WithMetrics(o.metrics),
		coordinator.WithLogger(o.logger.With("component", "coordinator", "node", node)),
	)
	if err != nil {
		return nil, err
	}
	agg.Attach(m.coord)
	return m, nil
}

func (m *multi) Submit(a activity.Activity) (ident.ActivityID, error) { return m.agg.Submit(a) }

func (m *multi) Send(sig activity.Signal) error { return m.agg.Send(sig) }

func (m *multi) Activate(ctx context.Context) error {
	if m.coord != nil {
		if err := m.coord.Activate(ctx); err != nil {
			return err
		}
	}
	return m.agg.Activate(ctx)
}

func (m *multi) Done(ctx context.Context) error {
	if m.coord != nil {
		return m.coord.Done(ctx)
	}
	return m.agg.Done(ctx)
}

func (m *multi) Close() error {
	var err error
	if m.coord != nil {
		err = m.coord.Close()
	}
	return multierr.Append(err, m.agg.Close())
}

func (m *multi) Identifier() ident.ConstellationID { return m.agg.Identifier() }

func (m *multi) IsMaster() bool {
	if m.coord != nil {
		return m.coord.IsMaster()
	}
	return true
}

func (m *multi) Diagnostics() []string {
	out := m.agg.Diagnostics()
	if m.coord != nil {
		out = append(out, m.coord.Diagnostics()...)
	}
	return out
}

// Aggregator exposes the node tier for status reporting.
func (m *multi) Aggregator() *aggregator.Aggregator { return m.agg }
