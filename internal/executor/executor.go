package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/ident"
	"github.com/roach88/constellation/internal/ir"
	"github.com/roach88/constellation/internal/metrics"
	"github.com/roach88/constellation/internal/policy"
	"github.com/roach88/constellation/internal/protocol"
)

// DefaultIdlePoll is how long an idle executor waits before stealing again.
const DefaultIdlePoll = 2 * time.Millisecond

// Option configures an Executor.
type Option func(*Executor)

// WithParent attaches the owning tier.
func WithParent(p Parent) Option {
	return func(e *Executor) {
		e.parent = p
	}
}

// WithObserver adds a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithSizeMetric replaces the size used by the smallest/biggest strategies.
// The default is the declared rank.
func WithSizeMetric(m policy.SizeMetric) Option {
	return func(e *Executor) {
		if m != nil {
			e.metric = m
		}
	}
}

// WithPending shares the node's pending-work counter.
func WithPending(p *Pending) Option {
	return func(e *Executor) {
		if p != nil {
			e.pending = p
		}
	}
}

// WithIdlePoll sets how long an idle executor waits between steal attempts.
func WithIdlePoll(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.idlePoll = d
		}
	}
}

// WithRegistry sets the registry used to decide whether an activity can leave
// the node. Without one, requests from other nodes get nothing.
func WithRegistry(r *activity.Registry) Option {
	return func(e *Executor) {
		e.registry = r
	}
}

// WithMetrics records statistics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// Stats is a snapshot of an executor's counters.
type Stats struct {
	Executed  int64
	Completed int64
	Failed    int64
	StolenOut int64
	Adopted   int64
}

// Executor runs one worker loop.
type Executor struct {
	id        ident.ConstellationID
	minter    *ident.Minter
	cfg       Config
	parent    Parent
	observers []Observer
	metric    policy.SizeMetric
	pending   *Pending
	idlePoll  time.Duration
	registry  *activity.Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
	wake      wakeup
	done      chan struct{}

	mu      sync.Mutex
	fresh   recordQueue
	resumed recordQueue
	parked  map[ident.Key]*activity.Record
	held    map[ident.Key]*activity.Record
	running *activity.Record
	stop    bool
	started bool
	stats   Stats
}

// New creates an executor identified by id.
func New(id ident.ConstellationID, cfg Config, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		id:       id,
		minter:   ident.NewMinter(id),
		cfg:      cfg,
		metric:   policy.RankMetric,
		pending:  &Pending{},
		idlePoll: DefaultIdlePoll,
		wake:     newWakeup(),
		done:     make(chan struct{}),
		parked:   make(map[ident.Key]*activity.Record),
		held:     make(map[ident.Key]*activity.Record),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default().With("executor", id.String())
	}
	return e, nil
}

// ID returns the executor's identifier.
func (e *Executor) ID() ident.ConstellationID { return e.id }

// Config returns the executor's configuration.
func (e *Executor) Config() Config { return e.cfg }

// Accepts reports whether the executor runs activities declaring ctx.
func (e *Executor) Accepts(ctx policy.Context) bool { return e.cfg.Context.Accepts(ctx) }

// Done is closed when Run returned.
func (e *Executor) Done() <-chan struct{} { return e.done }

// Submit admits an activity. Activities the executor does not accept are handed
// to the parent; without a parent that is a placement error.
func (e *Executor) Submit(a activity.Activity) (ident.ActivityID, error) {
	if a == nil {
		return ident.ActivityID{}, fmt.Errorf("submit: nil activity")
	}
	if !e.Accepts(a.Context()) {
		if e.parent != nil {
			return e.parent.Place(a)
		}
		return ident.ActivityID{}, protocol.NewPlacementError(a.Context())
	}
	id := e.minter.Next(a.ExpectsEvents())
	rec := activity.NewRecord(id, a)

	e.mu.Lock()
	e.pending.Add(1)
	e.transition(rec, activity.Queued)
	e.fresh.push(rec)
	e.held[id.Key()] = rec
	e.mu.Unlock()

	e.metrics.ActivitySubmitted()
	e.wake.notify()
	if e.parent != nil {
		e.parent.WorkAvailable(e.id)
	}
	return id, nil
}

// Admit takes ownership of records handed over by a steal. The records must be
// Relocating; they are queued in the given order. Admit does not touch the
// pending count: the caller accounts for work entering the node.
func (e *Executor) Admit(recs []*activity.Record) {
	if len(recs) == 0 {
		return
	}
	e.mu.Lock()
	for _, rec := range recs {
		e.transition(rec, activity.Queued)
		e.held[rec.ID.Key()] = rec
		if rec.Started() {
			e.resumed.push(rec)
		} else {
			e.fresh.push(rec)
		}
	}
	e.stats.Adopted += int64(len(recs))
	e.mu.Unlock()
	e.wake.notify()
}

// HandleSteal hands over up to req.Size fresh activities matching req.Context,
// chosen by req.LocalStrategy. The returned records are Relocating and no
// longer owned by e.
func (e *Executor) HandleSteal(_ context.Context, req *protocol.StealRequest) []*activity.Record {
	if req.Source == e.id {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		candidates []int
		sizes      []int64
	)
	for i := 0; i < e.fresh.len(); i++ {
		rec := e.fresh.at(i)
		if !rec.Stealable(req.IsLocal()) || !req.Context.Accepts(rec.Context()) {
			continue
		}
		if !req.IsLocal() && (e.registry == nil || !e.registry.CanRelocate(rec.Activity)) {
			continue
		}
		candidates = append(candidates, i)
		sizes = append(sizes, e.metric(rec.Context()))
	}
	if len(candidates) == 0 {
		return nil
	}

	picked := req.LocalStrategy.Select(sizes, req.Size)
	indices := make([]int, len(picked))
	out := make([]*activity.Record, len(picked))
	for i, p := range picked {
		indices[i] = candidates[p]
		out[i] = e.fresh.at(candidates[p])
	}
	e.fresh.removeAll(indices)
	for _, rec := range out {
		e.transition(rec, activity.Relocating)
		delete(e.held, rec.ID.Key())
	}
	e.stats.StolenOut += int64(len(out))
	return out
}

// DeliverSignal hands sig to the activity it addresses. A parked target is
// re-queued; a queued or running target keeps the signal until it next
// suspends. protocol.ErrNotFound means the target is not held here.
func (e *Executor) DeliverSignal(sig activity.Signal) error {
	e.mu.Lock()
	rec, ok := e.held[sig.Target.Key()]
	if !ok {
		e.mu.Unlock()
		return protocol.ErrNotFound
	}
	rec.Push(sig)
	woke := false
	if rec.State() == activity.Suspended {
		delete(e.parked, rec.ID.Key())
		e.pending.Add(1)
		e.transition(rec, activity.Queued)
		e.resumed.push(rec)
		woke = true
	}
	e.mu.Unlock()

	if woke {
		e.wake.notify()
	}
	return nil
}

// Send routes a signal: to an activity held here, otherwise through the parent.
func (e *Executor) Send(sig activity.Signal) error {
	e.pending.Add(1)
	defer e.pending.Add(-1)

	err := e.DeliverSignal(sig)
	if err == nil {
		e.metrics.Signal("local")
		return nil
	}
	if !errors.Is(err, protocol.ErrNotFound) {
		return err
	}
	if e.parent == nil {
		return protocol.NewUnknownError(sig.Target)
	}
	return e.parent.Route(sig)
}

// QueueLen returns the number of queued activities.
func (e *Executor) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fresh.len() + e.resumed.len()
}

// ParkedLen returns the number of suspended activities.
func (e *Executor) ParkedLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.parked)
}

// Holds reports whether the activity is owned by e.
func (e *Executor) Holds(id ident.ActivityID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.held[id.Key()]
	return ok
}

// Stats returns a snapshot of the counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Wake interrupts an idle wait so the loop looks for work again.
func (e *Executor) Wake() { e.wake.notify() }

// Stop makes Run return at the next loop boundary.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.stop = true
	e.mu.Unlock()
	e.wake.notify()
}

// Run executes activities until Stop is called or ctx is done. It returns a
// crash error when activity code panics; the executor must not be run again.
func (e *Executor) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("executor %s: already started", e.id)
	}
	e.started = true
	e.mu.Unlock()
	defer close(e.done)

	e.logger.Info("executor starting", "context", e.cfg.Context.String())
	idle := time.NewTimer(e.idlePoll)
	defer idle.Stop()

	for {
		if err := ctx.Err(); err != nil {
			e.logger.Info("executor stopping: context cancelled")
			return err
		}
		rec, sig, resumed, stop := e.next()
		if stop {
			e.logger.Info("executor stopping")
			return nil
		}
		if rec != nil {
			if err := e.execute(rec, sig, resumed); err != nil {
				e.logger.Error("executor crashed", "error", err)
				return err
			}
			continue
		}

		if e.steal(ctx) {
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(e.idlePoll)
		select {
		case <-ctx.Done():
			e.logger.Info("executor stopping: context cancelled")
			return ctx.Err()
		case <-e.wake.wait():
		case <-idle.C:
		}
	}
}

// next picks the next runnable record: resumed first, then fresh work chosen by
// the local strategy.
func (e *Executor) next() (rec *activity.Record, sig activity.Signal, resumed, stop bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stop {
		return nil, activity.Signal{}, false, true
	}
	switch {
	case e.resumed.len() > 0:
		rec = e.resumed.popFront()
		sig, _ = rec.Pop()
		resumed = true
	case e.fresh.len() > 0:
		rec = e.fresh.removeAt(e.pickFresh())
	default:
		return nil, activity.Signal{}, false, false
	}
	e.transition(rec, activity.Running)
	e.running = rec
	return rec, sig, resumed, false
}

func (e *Executor) pickFresh() int {
	if e.cfg.LocalStrategy == policy.Any {
		return 0
	}
	sizes := make([]int64, e.fresh.len())
	for i := range sizes {
		sizes[i] = e.metric(e.fresh.at(i).Context())
	}
	return e.cfg.LocalStrategy.Select(sizes, 1)[0]
}

// execute runs one step of rec outside the lock and applies its outcome.
func (e *Executor) execute(rec *activity.Record, sig activity.Signal, resumed bool) (err error) {
	rt := &runtime{exec: e, rec: rec}
	defer func() {
		if r := recover(); r != nil {
			err = protocol.NewCrashError(e.id, rec.ID, r)
		}
	}()

	var out activity.Outcome
	var stepErr error
	if resumed {
		out, stepErr = rec.Activity.OnSignal(rt, sig)
	} else {
		rec.MarkStarted()
		out, stepErr = rec.Activity.Run(rt)
	}

	if stepErr != nil {
		e.logger.Error("activity failed", "activity", rec.ID.String(), "error", stepErr)
		e.metrics.ActivityFailed()
		e.finish(rec, rt, true)
		return nil
	}

	switch out {
	case activity.Finish:
		e.finish(rec, rt, false)
	case activity.Suspend:
		e.suspend(rec)
	default:
		e.logger.Error("activity returned unknown outcome", "activity", rec.ID.String(), "outcome", int(out))
		e.metrics.ActivityFailed()
		e.finish(rec, rt, true)
	}
	return nil
}

func (e *Executor) finish(rec *activity.Record, rt *runtime, failed bool) {
	e.mu.Lock()
	e.transition(rec, activity.Completed)
	if e.parent != nil {
		e.parent.Discarded(rec.ID)
	}
	delete(e.held, rec.ID.Key())
	e.running = nil
	e.stats.Executed++
	if failed {
		e.stats.Failed++
	} else {
		e.stats.Completed++
	}
	if n := rec.Pending(); n > 0 {
		e.logger.Warn("activity finished with undelivered signals", "activity", rec.ID.String(), "signals", n)
	}
	e.mu.Unlock()

	rec.Activity.Cleanup(rt)

	e.mu.Lock()
	e.transition(rec, activity.Discarded)
	e.mu.Unlock()

	if !failed {
		e.metrics.ActivityCompleted()
	}
	e.pending.Add(-1)
}

func (e *Executor) suspend(rec *activity.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.transition(rec, activity.Suspended)
	e.running = nil
	e.stats.Executed++
	if rec.Pending() > 0 {
		e.transition(rec, activity.Queued)
		e.resumed.push(rec)
		return
	}
	if !rec.ID.ExpectsEvents {
		e.logger.Warn("activity suspended without expecting events", "activity", rec.ID.String())
	}
	e.parked[rec.ID.Key()] = rec
	e.pending.Add(-1)
}

// steal asks the parent for work. It reports whether any arrived.
func (e *Executor) steal(ctx context.Context) bool {
	if e.parent == nil {
		return false
	}
	req := protocol.NewStealRequest(e.id, e.cfg.Context, e.cfg.LocalStrategy,
		e.cfg.ConstellationStrategy, e.cfg.RemoteStrategy, e.cfg.StealsFrom, e.cfg.StealSize)
	n := e.parent.Steal(ctx, req)
	if n == 0 {
		return false
	}
	e.logger.Debug("stole activities", "count", n)
	return true
}

// Orphans empties the executor after its loop ended. Fresh records are
// returned Relocating so they can be admitted elsewhere; every other record is
// returned in the state it was left in.
func (e *Executor) Orphans() (movable, lost []*activity.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rec := range e.fresh.drain() {
		e.transition(rec, activity.Relocating)
		movable = append(movable, rec)
	}
	lost = append(lost, e.resumed.drain()...)
	for _, rec := range e.parked {
		lost = append(lost, rec)
	}
	if e.running != nil {
		lost = append(lost, e.running)
		e.running = nil
	}
	e.parked = make(map[ident.Key]*activity.Record)
	e.held = make(map[ident.Key]*activity.Record)
	return movable, lost
}

// Abandon discards a record that can no longer run and reports it to the
// observers. It is used for orphans of crashed executors.
func (e *Executor) Abandon(rec *activity.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch rec.State() {
	case activity.Running:
		e.transition(rec, activity.Completed)
		e.pending.Add(-1)
	case activity.Relocating:
		e.transition(rec, activity.Queued)
		e.pending.Add(-1)
	case activity.Queued:
		e.pending.Add(-1)
	}
	e.transition(rec, activity.Discarded)
	if e.parent != nil {
		e.parent.Discarded(rec.ID)
	}
	e.stats.Failed++
}

// transition applies a lifecycle move and notifies observers. Callers hold e.mu.
// An illegal move is a scheduler bug and panics.
func (e *Executor) transition(rec *activity.Record, to activity.State) {
	from := rec.State()
	if err := rec.Transition(to); err != nil {
		panic(fmt.Sprintf("executor %s: %s: %v", e.id, rec.ID, err))
	}
	for _, o := range e.observers {
		o.Transition(rec.ID, e.id, from, to)
	}
}

// runtime is the view an executing activity has of its executor.
type runtime struct {
	exec *Executor
	rec  *activity.Record
}

func (r *runtime) Self() ident.ActivityID { return r.rec.ID }

func (r *runtime) Executor() ident.ConstellationID { return r.exec.id }

func (r *runtime) Submit(a activity.Activity) (ident.ActivityID, error) {
	return r.exec.Submit(a)
}

func (r *runtime) Send(target ident.ActivityID, payload ir.IRValue) error {
	return r.exec.Send(activity.Signal{Source: r.rec.ID, Target: target, Payload: payload})
}
