package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/executor"
	"github.com/roach88/constellation/internal/ident"
	"github.com/roach88/constellation/internal/metrics"
	"github.com/roach88/constellation/internal/policy"
	"github.com/roach88/constellation/internal/protocol"
	"github.com/roach88/constellation/internal/seen"
)

// ErrNoExecutors is returned when a node is configured without executors.
var ErrNoExecutors = errors.New("need at least one executor")

// drainPoll is how often Done checks for quiescence.
const drainPoll = time.Millisecond

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithExecutorOptions passes options to every executor the aggregator creates.
// The parent and pending counter are always the aggregator's.
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(a *Aggregator) {
		a.execOpts = append(a.execOpts, opts...)
	}
}

// WithRegistry sets the registry of relocatable activity kinds.
func WithRegistry(r *activity.Registry) Option {
	return func(a *Aggregator) {
		a.registry = r
	}
}

// WithMetrics records statistics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithTombstones sets the filter recording discarded activities.
func WithTombstones(s *seen.Set) Option {
	return func(a *Aggregator) {
		if s != nil {
			a.tombstones = s
		}
	}
}

type member struct {
	exec  *executor.Executor
	alive atomic.Bool
}

// Aggregator owns the executors of one node.
type Aggregator struct {
	id         ident.ConstellationID
	minter     *ident.Minter
	members    []*member
	byID       map[ident.ConstellationID]*member
	pending    *executor.Pending
	registry   *activity.Registry
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tombstones *seen.Set
	execOpts   []executor.Option
	contexts   policy.ExecutorContext
	belongsTo  policy.StealPool
	stealsFrom policy.StealPool
	remote     Remote

	// transfers counts steals between removal from a victim and admission by
	// the thief; gen advances when one ends. Signal misses during a transfer
	// are retried.
	transfers atomic.Int64
	gen       atomic.Uint64
	rr        atomic.Uint64
	accepting atomic.Bool

	mu          sync.Mutex
	exported    map[ident.Key]uint32
	diagnostics []string
	group       *errgroup.Group
	cancel      context.CancelFunc
}

// New creates the aggregator of node rank node with one executor per config.
// Executor i is identified by (node, i+1); (node, 0) identifies the node.
func New(node uint32, cfgs []executor.Config, opts ...Option) (*Aggregator, error) {
	if len(cfgs) == 0 {
		return nil, ErrNoExecutors
	}
	a := &Aggregator{
		id:       ident.NewConstellationID(node, 0),
		byID:     make(map[ident.ConstellationID]*member, len(cfgs)),
		pending:  &executor.Pending{},
		exported: make(map[ident.Key]uint32),
	}
	a.minter = ident.NewMinter(a.id)
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default().With("node", node)
	}
	if a.tombstones == nil {
		a.tombstones = seen.New(1<<16, 0.001, 4096)
	}
	if a.registry == nil {
		a.registry = activity.NewRegistry()
	}

	var belongs, steals []policy.StealPool
	for i, cfg := range cfgs {
		id := ident.NewConstellationID(node, uint32(i+1))
		eopts := append([]executor.Option{}, a.execOpts...)
		eopts = append(eopts,
			executor.WithParent(a),
			executor.WithPending(a.pending),
			executor.WithRegistry(a.registry),
			executor.WithMetrics(a.metrics),
			executor.WithLogger(a.logger.With("executor", id.String())),
		)
		ex, err := executor.New(id, cfg, eopts...)
		if err != nil {
			return nil, fmt.Errorf("executor %d: %w", i, err)
		}
		m := &member{exec: ex}
		m.alive.Store(true)
		a.members = append(a.members, m)
		a.byID[id] = m
		a.contexts = a.contexts.Union(cfg.Context)
		belongs = append(belongs, cfg.BelongsTo)
		steals = append(steals, cfg.StealsFrom)
	}
	a.belongsTo = policy.MergePools(belongs...)
	a.stealsFrom = policy.MergePools(steals...)
	a.accepting.Store(true)
	return a, nil
}

// Attach connects the distributed tier. It must be called before Activate.
func (a *Aggregator) Attach(r Remote) { a.remote = r }

// Identifier returns the node's constellation identifier.
func (a *Aggregator) Identifier() ident.ConstellationID { return a.id }

// Node returns the node's rank.
func (a *Aggregator) Node() uint32 { return a.id.Node() }

// Contexts returns the union of the executors' contexts.
func (a *Aggregator) Contexts() policy.ExecutorContext { return a.contexts }

// BelongsTo returns the union of the executors' belongs-to pools.
func (a *Aggregator) BelongsTo() policy.StealPool { return a.belongsTo }

// StealsFrom returns the union of the executors' steals-from pools.
func (a *Aggregator) StealsFrom() policy.StealPool { return a.stealsFrom }

// Registry returns the registry of relocatable kinds.
func (a *Aggregator) Registry() *activity.Registry { return a.registry }

// Pending returns the node's pending-work count.
func (a *Aggregator) Pending() int64 { return a.pending.Load() }

// Executors returns the executors in creation order.
func (a *Aggregator) Executors() []*executor.Executor {
	out := make([]*executor.Executor, len(a.members))
	for i, m := range a.members {
		out[i] = m.exec
	}
	return out
}

// Load is the number of queued activities on the node.
func (a *Aggregator) Load() int64 {
	var n int64
	for _, m := range a.members {
		n += int64(m.exec.QueueLen())
	}
	return n
}

// Diagnostics returns what the node lost to crashes and drains.
func (a *Aggregator) Diagnostics() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.diagnostics...)
}

func (a *Aggregator) diagnose(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	a.logger.Warn(msg)
	a.mu.Lock()
	a.diagnostics = append(a.diagnostics, msg)
	a.mu.Unlock()
}

// Activate starts one goroutine per executor. The executors keep running after
// ctx is cancelled; Done stops them. Only ctx's values are kept.
func (a *Aggregator) Activate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.group != nil {
		return fmt.Errorf("node %d: already active", a.Node())
	}
	ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range a.members {
		m := m
		g.Go(func() error {
			err := m.exec.Run(gctx)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
				return nil
			case protocol.IsCrashError(err):
				a.crashed(m, err)
				return nil
			default:
				return err
			}
		})
	}
	a.group = g
	a.logger.Info("node active", "executors", len(a.members), "contexts", a.contexts.String())
	return nil
}

// crashed re-homes the fresh work of a dead executor and reports the rest.
func (a *Aggregator) crashed(m *member, cause error) {
	m.alive.Store(false)
	a.diagnose("executor %s crashed: %v", m.exec.ID(), cause)

	movable, lost := m.exec.Orphans()
	for _, rec := range movable {
		if target := a.pick(rec.Context(), m.exec.ID()); target != nil {
			target.Admit([]*activity.Record{rec})
			continue
		}
		a.diagnose("activity %s lost: no live executor accepts %s", rec.ID, rec.Context())
		m.exec.Abandon(rec)
	}
	for _, rec := range lost {
		a.diagnose("activity %s lost: %s on crashed executor %s", rec.ID, rec.State(), m.exec.ID())
		m.exec.Abandon(rec)
	}
}

// pick returns the live accepting executor with the shortest queue.
func (a *Aggregator) pick(ctx policy.Context, exclude ident.ConstellationID) *executor.Executor {
	var (
		best  *executor.Executor
		depth int
	)
	for _, m := range a.members {
		if !m.alive.Load() || m.exec.ID() == exclude || !m.exec.Accepts(ctx) {
			continue
		}
		if d := m.exec.QueueLen(); best == nil || d < depth {
			best, depth = m.exec, d
		}
	}
	return best
}

// Submit places an activity on the accepting executor with the shortest
// queue, escalating to the distributed tier when none accepts it here.
func (a *Aggregator) Submit(act activity.Activity) (ident.ActivityID, error) {
	if !a.accepting.Load() {
		return ident.ActivityID{}, protocol.NewNotAcceptingError()
	}
	return a.Place(act)
}

// Place admits an activity the submitting executor does not accept.
func (a *Aggregator) Place(act activity.Activity) (ident.ActivityID, error) {
	if act == nil {
		return ident.ActivityID{}, fmt.Errorf("submit: nil activity")
	}
	if ex := a.pick(act.Context(), 0); ex != nil {
		return ex.Submit(act)
	}
	if a.remote == nil || !a.registry.CanRelocate(act) {
		return ident.ActivityID{}, protocol.NewPlacementError(act.Context())
	}
	rec := activity.NewRecord(a.minter.Next(act.ExpectsEvents()), act)
	node, err := a.remote.Place(rec)
	if err != nil {
		return ident.ActivityID{}, err
	}
	a.export(rec.ID, node)
	a.metrics.Relocation("out", 1)
	return rec.ID, nil
}

// Steal finds work for the idle executor req.Source: first on sibling
// executors, then on other nodes.
func (a *Aggregator) Steal(ctx context.Context, req *protocol.StealRequest) int {
	thief, ok := a.byID[req.Source]
	if !ok || !thief.alive.Load() {
		return 0
	}

	a.beginTransfer()
	recs := a.HandleSteal(ctx, req)
	if len(recs) > 0 {
		thief.exec.Admit(recs)
	}
	a.endTransfer()
	if len(recs) > 0 {
		a.metrics.Steal(metrics.ScopeNode, len(recs))
		return len(recs)
	}
	a.metrics.Steal(metrics.ScopeNode, 0)

	if a.remote == nil || !req.IsLocal() || req.Pool.IsNone() || !a.accepting.Load() {
		return 0
	}
	return a.remote.Steal(ctx, req)
}

// HandleSteal collects up to req.Size activities from the node's executors,
// visiting them in the order of req.ConstellationStrategy over queue depth.
// Requests from other nodes only see executors whose belongs-to pool
// overlaps the request's pool.
func (a *Aggregator) HandleSteal(ctx context.Context, req *protocol.StealRequest) []*activity.Record {
	var (
		victims []*executor.Executor
		sizes   []int64
	)
	for _, m := range a.members {
		if m.exec.ID() == req.Source || !m.alive.Load() {
			continue
		}
		if !req.IsLocal() && !m.exec.Config().BelongsTo.Overlaps(req.Pool) {
			continue
		}
		victims = append(victims, m.exec)
		sizes = append(sizes, int64(m.exec.QueueLen()))
	}
	if len(victims) == 0 {
		return nil
	}

	start := int(a.rr.Add(1) % uint64(len(victims)))
	var out []*activity.Record
	for _, i := range req.ConstellationStrategy.Order(sizes, start) {
		want := req.Size - len(out)
		if want <= 0 {
			break
		}
		sub := req.Clone()
		sub.Size = want
		out = append(out, victims[i].HandleSteal(ctx, sub)...)
	}
	return out
}

// Relocate answers a steal request from another node. The records are handed
// to send; when send fails they are re-admitted here, otherwise they leave the
// node and signals for them are forwarded to dest.
func (a *Aggregator) Relocate(ctx context.Context, req *protocol.StealRequest, dest uint32,
	send func([]*activity.Record) error) int {
	a.beginTransfer()
	defer a.endTransfer()

	recs := a.HandleSteal(ctx, req)
	if len(recs) == 0 {
		a.metrics.Steal(metrics.ScopeRemote, 0)
		return 0
	}
	if err := send(recs); err != nil {
		a.logger.Warn("relocation failed, keeping work", "node", dest, "count", len(recs), "error", err)
		a.readmit(recs)
		return 0
	}
	for _, rec := range recs {
		a.export(rec.ID, dest)
	}
	a.pending.Add(-int64(len(recs)))
	a.metrics.Steal(metrics.ScopeRemote, len(recs))
	a.metrics.Relocation("out", len(recs))
	return len(recs)
}

// readmit queues records that failed to leave the node.
func (a *Aggregator) readmit(recs []*activity.Record) {
	for _, rec := range recs {
		if ex := a.pick(rec.Context(), 0); ex != nil {
			ex.Admit([]*activity.Record{rec})
			continue
		}
		a.diagnose("activity %s lost: no live executor accepts %s", rec.ID, rec.Context())
		a.members[0].exec.Abandon(rec)
	}
}

// Adopt admits records relocated from another node, preferring the executor
// that asked for them.
func (a *Aggregator) Adopt(recs []*activity.Record, thief ident.ConstellationID) {
	if len(recs) == 0 {
		return
	}
	a.pending.Add(int64(len(recs)))
	a.metrics.Relocation("in", len(recs))
	a.beginTransfer()
	defer a.endTransfer()

	if m, ok := a.byID[thief]; ok && m.alive.Load() {
		var rest []*activity.Record
		for _, rec := range recs {
			if m.exec.Accepts(rec.Context()) {
				m.exec.Admit([]*activity.Record{rec})
				continue
			}
			rest = append(rest, rec)
		}
		recs = rest
	}
	a.readmit(recs)
}

func (a *Aggregator) beginTransfer() { a.transfers.Add(1) }

func (a *Aggregator) endTransfer() {
	a.gen.Add(1)
	a.transfers.Add(-1)
}

func (a *Aggregator) export(id ident.ActivityID, node uint32) {
	a.mu.Lock()
	a.exported[id.Key()] = node
	a.mu.Unlock()
}

// ExportedTo returns the node an activity was relocated to.
func (a *Aggregator) ExportedTo(id ident.ActivityID) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	node, ok := a.exported[id.Key()]
	return node, ok
}

// Discarded tombstones a finished activity.
func (a *Aggregator) Discarded(id ident.ActivityID) {
	a.tombstones.Add(seen.ActivityKey(id.Key()))
}

// WorkAvailable wakes idle siblings of from.
func (a *Aggregator) WorkAvailable(from ident.ConstellationID) {
	for _, m := range a.members {
		if m.exec.ID() != from && m.alive.Load() {
			m.exec.Wake()
		}
	}
}

// deliverLocal tries the origin executor, then every executor, retrying while
// a steal may be moving the target between executors.
func (a *Aggregator) deliverLocal(sig activity.Signal) bool {
	for {
		g := a.gen.Load()
		if m, ok := a.byID[sig.Target.Origin]; ok {
			if m.exec.DeliverSignal(sig) == nil {
				return true
			}
		}
		for _, m := range a.members {
			if m.exec.ID() == sig.Target.Origin {
				continue
			}
			if m.exec.DeliverSignal(sig) == nil {
				return true
			}
		}
		if a.transfers.Load() == 0 && a.gen.Load() == g {
			return false
		}
		runtime.Gosched()
	}
}

// Route delivers a signal sent by an activity of this node.
func (a *Aggregator) Route(sig activity.Signal) error {
	if a.deliverLocal(sig) {
		a.metrics.Signal("node")
		return nil
	}
	if node := sig.Target.Node(); node != a.Node() {
		if a.remote == nil {
			return protocol.NewUnreachableError(node)
		}
		a.metrics.Signal("remote")
		return a.remote.Route(sig, node)
	}
	return a.resolveMiss(sig)
}

// DeliverSignal delivers a signal that arrived from another node. Unlike Route
// it never sends the signal back to the target's origin.
func (a *Aggregator) DeliverSignal(sig activity.Signal) error {
	if a.deliverLocal(sig) {
		a.metrics.Signal("inbound")
		return nil
	}
	return a.resolveMiss(sig)
}

// resolveMiss forwards a signal for an exported activity or classifies it.
func (a *Aggregator) resolveMiss(sig activity.Signal) error {
	if node, ok := a.ExportedTo(sig.Target); ok && node != a.Node() {
		if a.remote == nil {
			return protocol.NewUnreachableError(node)
		}
		a.metrics.Signal("forward")
		return a.remote.Route(sig, node)
	}
	if a.tombstones.MaybeContains(seen.ActivityKey(sig.Target.Key())) {
		return protocol.NewStaleError(sig.Target)
	}
	return protocol.NewUnknownError(sig.Target)
}

// Send routes a signal from code outside any activity.
func (a *Aggregator) Send(sig activity.Signal) error {
	a.pending.Add(1)
	defer a.pending.Add(-1)
	return a.Route(sig)
}

// Stop refuses further submissions without waiting.
func (a *Aggregator) Stop() { a.accepting.Store(false) }

// Quiescent reports whether the node has no queued, running or in-flight work.
func (a *Aggregator) Quiescent() bool {
	return a.pending.Load() == 0 && a.transfers.Load() == 0
}

// Done drains the node: it refuses new submissions, waits until no work is
// queued, running or in flight, stops the executors and discards the
// activities still parked, reporting each as a diagnostic.
func (a *Aggregator) Done(ctx context.Context) error {
	a.accepting.Store(false)

	var errs error
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
wait:
	for !a.Quiescent() {
		select {
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("drain node %d: %w (%d pending)", a.Node(), ctx.Err(), a.pending.Load()))
			break wait
		case <-ticker.C:
		}
	}

	for _, m := range a.members {
		m.exec.Stop()
	}
	a.mu.Lock()
	g, cancel := a.group, a.cancel
	a.mu.Unlock()
	if g != nil {
		errs = multierr.Append(errs, g.Wait())
		cancel()
	}

	for _, m := range a.members {
		movable, lost := m.exec.Orphans()
		for _, rec := range append(movable, lost...) {
			a.diagnose("activity %s discarded at drain: %s", rec.ID, rec.State())
			m.exec.Abandon(rec)
		}
	}
	a.logger.Info("node drained", "diagnostics", len(a.Diagnostics()))
	return errs
}

// Close stops the executors without draining. Work still queued or parked
// is abandoned.
func (a *Aggregator) Close() error {
	a.accepting.Store(false)
	for _, m := range a.members {
		m.exec.Stop()
	}
	a.mu.Lock()
	g, cancel := a.group, a.cancel
	a.mu.Unlock()
	if g == nil {
		return nil
	}
	cancel()
	return g.Wait()
}
