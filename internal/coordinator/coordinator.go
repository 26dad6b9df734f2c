package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/ident"
	"github.com/roach88/constellation/internal/metrics"
	"github.com/roach88/constellation/internal/policy"
	"github.com/roach88/constellation/internal/protocol"
	"github.com/roach88/constellation/internal/seen"
	"github.com/roach88/constellation/internal/transport"
)

// Local is the node-level tier the coordinator serves.
type Local interface {
	Node() uint32
	Contexts() policy.ExecutorContext
	BelongsTo() policy.StealPool
	Load() int64
	Registry() *activity.Registry
	Relocate(ctx context.Context, req *protocol.StealRequest, dest uint32, send func([]*activity.Record) error) int
	Adopt(recs []*activity.Record, thief ident.ConstellationID)
	DeliverSignal(sig activity.Signal) error
	Done(ctx context.Context) error
	Diagnostics() []string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCodec sets the frame codec.
func WithCodec(codec *protocol.Codec) Option {
	return func(c *Coordinator) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithMetrics records statistics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

type peer struct {
	rank      uint32
	ready     bool
	left      bool
	master    bool
	belongsTo policy.StealPool
	contexts  policy.ExecutorContext
	load      int64
	breaker   *gobreaker.CircuitBreaker
}

// advertiseEvery is the number of load rounds after which a hello is sent
// even though the load did not change.
const advertiseEvery = 40

type waiter struct {
	source ident.ConstellationID
	ch     chan int
}

// Coordinator connects one node to the rest of the cluster.
type Coordinator struct {
	local   Local
	tr      transport.Transport
	cfg     Config
	codec   *protocol.Codec
	limiter *rate.Limiter
	dedup   *seen.Set
	metrics *metrics.Metrics
	logger  *slog.Logger
	self    uint32
	rr      atomic.Uint64

	// finished is set once this node completed the termination handshake.
	finished atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	mu          sync.RWMutex
	peers       map[uint32]*peer
	acks        map[uint32]protocol.TerminateAck
	diagnostics []string
	changed     chan struct{}

	waitMu  sync.Mutex
	waiters map[string]*waiter

	terminated chan struct{}
	termOnce   sync.Once
}

// New creates the coordinator of local over tr.
func New(local Local, tr transport.Transport, cfg Config, opts ...Option) (*Coordinator, error) {
	if local.Node() != tr.Self() {
		return nil, fmt.Errorf("coordinator: node rank %d does not match transport rank %d", local.Node(), tr.Self())
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		local:      local,
		tr:         tr,
		cfg:        cfg,
		limiter:    rate.NewLimiter(cfg.StealRate, int(cfg.StealRate)/10+1),
		dedup:      seen.New(1<<20, 0.001, 1<<14),
		self:       tr.Self(),
		ctx:        ctx,
		cancel:     cancel,
		peers:      make(map[uint32]*peer),
		acks:       make(map[uint32]protocol.TerminateAck),
		changed:    make(chan struct{}, 1),
		waiters:    make(map[string]*waiter),
		terminated: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.codec == nil {
		c.codec = protocol.NewCodec(nil)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "coordinator", "node", c.self)
	}
	return c, nil
}

// Self returns the node's rank.
func (c *Coordinator) Self() uint32 { return c.self }

// IsMaster reports whether this node starts termination.
func (c *Coordinator) IsMaster() bool { return c.self == c.cfg.Master }

// Start runs the receive loop.
func (c *Coordinator) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(2)
	go c.loop()
	go c.advertise()
}

// advertise sends a hello to every ready peer whenever the local load changed
// since the last round, and at least every advertiseEvery rounds.
func (c *Coordinator) advertise() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.LoadInterval)
	defer ticker.Stop()
	last, rounds := int64(-1), 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		rounds++
		load := c.local.Load()
		if load == last && rounds < advertiseEvery {
			continue
		}
		last, rounds = load, 0
		for _, rank := range c.readyPeers() {
			c.sendHello(rank)
		}
	}
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	for {
		select {
		case m, ok := <-c.tr.Receive():
			if !ok {
				return
			}
			c.handle(m)
		case ev, ok := <-c.tr.Events():
			if !ok {
				return
			}
			c.membership(ev)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) notify() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *Coordinator) diagnose(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.logger.Warn(msg)
	c.mu.Lock()
	c.diagnostics = append(c.diagnostics, msg)
	c.mu.Unlock()
}

// Diagnostics returns node losses and lost batches, followed by what the
// other nodes reported when they terminated.
func (c *Coordinator) Diagnostics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := append([]string(nil), c.diagnostics...)
	ranks := make([]uint32, 0, len(c.acks))
	for r := range c.acks {
		ranks = append(ranks, r)
	}
	sort.Slice(ranks, func(i, j int) bool { return ranks[i] < ranks[j] })
	for _, r := range ranks {
		for _, d := range c.acks[r].Diagnostic {
			out = append(out, fmt.Sprintf("node %d: %s", r, d))
		}
	}
	return out
}

// peerLocked returns the entry for rank, creating it. Callers hold c.mu.
func (c *Coordinator) peerLocked(rank uint32) *peer {
	p, ok := c.peers[rank]
	if !ok {
		p = &peer{
			rank: rank,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    fmt.Sprintf("node-%d", rank),
				Timeout: c.cfg.BreakerTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= uint32(c.cfg.SendRetries*2)
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					c.logger.Info("circuit breaker", "peer", name, "from", from.String(), "to", to.String())
				},
			}),
		}
		c.peers[rank] = p
	}
	return p
}

func (c *Coordinator) membership(ev transport.Event) {
	switch ev.Kind {
	case transport.Joined:
		c.mu.Lock()
		p := c.peerLocked(ev.Node)
		p.left = false
		c.mu.Unlock()
		c.logger.Debug("peer joined", "peer", ev.Node)
		c.sendHello(ev.Node)
	case transport.Left:
		c.mu.Lock()
		p, known := c.peers[ev.Node]
		if known {
			p.left = true
		}
		_, acked := c.acks[ev.Node]
		c.mu.Unlock()
		switch {
		case !known:
		case acked || c.finished.Load() || c.terminating():
			c.logger.Debug("peer left after termination", "peer", ev.Node)
		default:
			c.diagnose("node %d left; its activities are lost", ev.Node)
		}
	}
	c.notify()
}

func (c *Coordinator) hello() protocol.Hello {
	return protocol.Hello{
		Rank:      c.self,
		BelongsTo: c.local.BelongsTo().String(),
		Contexts:  protocol.ToWireRanges(c.local.Contexts()),
		Load:      int(c.local.Load()),
		Master:    c.IsMaster(),
	}
}

func (c *Coordinator) sendHello(to uint32) {
	f, err := protocol.NewFrame(protocol.FrameHello, c.self, c.hello())
	if err == nil {
		err = c.send(c.ctx, to, f)
	}
	if err != nil {
		c.logger.Warn("hello failed", "peer", to, "error", err)
	}
}

// handle dispatches one inbound frame.
func (c *Coordinator) handle(m transport.Message) {
	f, err := c.codec.Decode(m.Data)
	if err != nil {
		c.metrics.TransportError()
		c.logger.Warn("dropping frame", "from", m.From, "error", err)
		return
	}
	if !c.dedup.FirstSighting([]byte(f.ID)) {
		c.logger.Debug("duplicate frame", "from", m.From, "type", f.Type.String(), "id", f.ID)
		return
	}

	switch f.Type {
	case protocol.FrameHello:
		c.onHello(f)
	case protocol.FrameSteal:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.onSteal(f)
		}()
	case protocol.FrameStealReply:
		c.onStealReply(f)
	case protocol.FrameSignal:
		c.onSignal(f)
	case protocol.FrameAdmit:
		c.onAdmit(f)
	case protocol.FrameTerminate:
		c.termOnce.Do(func() { close(c.terminated) })
	case protocol.FrameTerminateAck:
		c.onTerminateAck(f)
	default:
		c.logger.Warn("unknown frame type", "from", f.From, "type", f.Type.String())
	}
}

func (c *Coordinator) onHello(f protocol.Frame) {
	var h protocol.Hello
	if err := protocol.DecodeBody(f, &h); err != nil {
		c.logger.Warn("bad hello", "from", f.From, "error", err)
		return
	}
	pool, err := policy.ParseStealPool(h.BelongsTo)
	if err != nil {
		c.logger.Warn("bad hello", "from", f.From, "error", err)
		return
	}
	c.mu.Lock()
	p := c.peerLocked(h.Rank)
	p.ready = true
	p.master = h.Master
	p.belongsTo = pool
	p.contexts = protocol.FromWireRanges(h.Contexts)
	p.load = int64(h.Load)
	c.mu.Unlock()
	c.logger.Debug("peer ready", "peer", h.Rank, "pool", h.BelongsTo, "load", h.Load)
	c.notify()
}

func (c *Coordinator) setLoad(rank uint32, load int) {
	c.mu.Lock()
	if p, ok := c.peers[rank]; ok {
		p.load = int64(load)
	}
	c.mu.Unlock()
}

// onSteal answers a steal request from another node.
func (c *Coordinator) onSteal(f protocol.Frame) {
	var w protocol.WireStealRequest
	if err := protocol.DecodeBody(f, &w); err != nil {
		c.logger.Warn("bad steal request", "from", f.From, "error", err)
		return
	}
	req, err := protocol.DecodeStealRequest(w)
	if err != nil {
		c.logger.Warn("bad steal request", "from", f.From, "error", err)
		return
	}
	c.setLoad(f.From, w.Load)

	n := c.local.Relocate(c.ctx, req, f.From, func(recs []*activity.Record) error {
		batch, err := protocol.EncodeBatch(uuid.Must(uuid.NewV7()).String(), recs)
		if err != nil {
			return err
		}
		return c.reply(f, batch)
	})
	if n > 0 {
		c.logger.Debug("relocated activities", "to", f.From, "count", n)
		return
	}
	if err := c.reply(f, protocol.Batch{}); err != nil {
		c.logger.Debug("empty steal reply failed", "to", f.From, "error", err)
	}
}

func (c *Coordinator) reply(req protocol.Frame, batch protocol.Batch) error {
	f, err := protocol.NewFrame(protocol.FrameStealReply, c.self, protocol.StealReply{
		RequestID: req.ID,
		Load:      int(c.local.Load()),
		Batch:     batch,
	})
	if err != nil {
		return err
	}
	return c.send(c.ctx, req.From, f)
}

// onStealReply admits a relocated batch, whether or not its requester still
// waits for it.
func (c *Coordinator) onStealReply(f protocol.Frame) {
	var r protocol.StealReply
	if err := protocol.DecodeBody(f, &r); err != nil {
		c.logger.Warn("bad steal reply", "from", f.From, "error", err)
		return
	}
	c.setLoad(f.From, r.Load)

	c.waitMu.Lock()
	w, waiting := c.waiters[r.RequestID]
	delete(c.waiters, r.RequestID)
	c.waitMu.Unlock()

	admitted := 0
	if r.Batch.Len() > 0 {
		recs, err := protocol.DecodeBatch(r.Batch, c.local.Registry())
		if err != nil {
			c.metrics.TransportError()
			c.diagnose("batch %s from node %d lost: %v", r.Batch.ID, f.From, err)
		} else {
			var thief ident.ConstellationID
			if waiting {
				thief = w.source
			} else {
				c.logger.Info("admitting late steal reply", "from", f.From, "count", len(recs))
			}
			c.local.Adopt(recs, thief)
			admitted = len(recs)
		}
	}
	if waiting {
		w.ch <- admitted
	}
}

func (c *Coordinator) onSignal(f protocol.Frame) {
	var w protocol.WireSignal
	if err := protocol.DecodeBody(f, &w); err != nil {
		c.logger.Warn("bad signal", "from", f.From, "error", err)
		return
	}
	sig, err := protocol.DecodeSignal(w)
	if err != nil {
		c.logger.Warn("bad signal", "from", f.From, "error", err)
		return
	}
	if err := c.local.DeliverSignal(sig); err != nil {
		c.logger.Warn("signal not delivered", "from", f.From, "target", sig.Target.String(), "error", err)
	}
}

func (c *Coordinator) onAdmit(f protocol.Frame) {
	var a protocol.Admit
	if err := protocol.DecodeBody(f, &a); err != nil {
		c.logger.Warn("bad admit", "from", f.From, "error", err)
		return
	}
	recs, err := protocol.DecodeBatch(a.Batch, c.local.Registry())
	if err != nil {
		c.metrics.TransportError()
		c.diagnose("batch %s from node %d lost: %v", a.Batch.ID, f.From, err)
		return
	}
	c.local.Adopt(recs, 0)
}

func (c *Coordinator) onTerminateAck(f protocol.Frame) {
	var ack protocol.TerminateAck
	if err := protocol.DecodeBody(f, &ack); err != nil {
		c.logger.Warn("bad terminate ack", "from", f.From, "error", err)
		return
	}
	c.mu.Lock()
	c.acks[ack.Rank] = ack
	c.mu.Unlock()
	c.logger.Info("node terminated", "peer", ack.Rank, "discarded", ack.Discarded)
	c.notify()
}

// send encodes f and delivers it to node to, retrying transient failures
// behind the peer's circuit breaker.
func (c *Coordinator) send(ctx context.Context, to uint32, f protocol.Frame) error {
	c.mu.Lock()
	p := c.peerLocked(to)
	gone := p.left
	c.mu.Unlock()
	if gone {
		return protocol.NewUnreachableError(to)
	}
	data, err := c.codec.Encode(f)
	if err != nil {
		return err
	}

	var last error
	attempts := 0
	for attempts < c.cfg.SendRetries {
		attempts++
		_, err := p.breaker.Execute(func() (any, error) {
			return nil, c.tr.Send(ctx, to, data)
		})
		if err == nil {
			return nil
		}
		last = err
		c.metrics.TransportError()
		// An unknown peer may be redialing; only a closed transport or a
		// peer that left ends the attempts early.
		if errors.Is(err, transport.ErrClosed) || c.hasLeft(to) {
			return protocol.NewUnreachableError(to)
		}
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.cfg.RetryBackoff):
		}
	}
	if errors.Is(last, transport.ErrUnknownPeer) {
		return protocol.NewUnreachableError(to)
	}
	return protocol.NewDeliveryError(to, attempts, last)
}

func (c *Coordinator) hasLeft(rank uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[rank]
	return ok && p.left
}

// candidates returns the ready peers that may serve req, in the order given
// by req.RemoteStrategy over their advertised load. Peers with equal load are
// asked in rotation.
func (c *Coordinator) candidates(req *protocol.StealRequest) []uint32 {
	c.mu.RLock()
	var ps []*peer
	for _, p := range c.peers {
		if p.ready && !p.left && p.belongsTo.Overlaps(req.Pool) {
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].rank < ps[j].rank })
	ranks := make([]uint32, len(ps))
	loads := make([]int64, len(ps))
	for i, p := range ps {
		ranks[i], loads[i] = p.rank, p.load
	}
	c.mu.RUnlock()

	if len(ranks) == 0 {
		return nil
	}
	start := int(c.rr.Add(1) % uint64(len(ranks)))
	order := req.RemoteStrategy.Order(loads, start)
	out := make([]uint32, len(order))
	for i, idx := range order {
		out[i] = ranks[idx]
	}
	return out
}

// Steal asks other nodes for work on behalf of req.Source. It returns the
// number of activities admitted; 0 once the candidates, the retry budget or
// the per-request timeout are exhausted.
func (c *Coordinator) Steal(ctx context.Context, req *protocol.StealRequest) int {
	if !c.limiter.Allow() {
		return 0
	}
	for i, rank := range c.candidates(req) {
		if i >= c.cfg.StealRetries {
			break
		}
		n, err := c.stealFrom(ctx, rank, req)
		if err != nil {
			c.logger.Debug("remote steal failed", "peer", rank, "error", err)
			continue
		}
		if n > 0 {
			return n
		}
		if ctx.Err() != nil {
			break
		}
	}
	return 0
}

func (c *Coordinator) stealFrom(ctx context.Context, rank uint32, req *protocol.StealRequest) (int, error) {
	w := protocol.EncodeStealRequest(req)
	w.Load = int(c.local.Load())
	f, err := protocol.NewFrame(protocol.FrameSteal, c.self, w)
	if err != nil {
		return 0, err
	}
	wt := &waiter{source: req.Source, ch: make(chan int, 1)}
	c.waitMu.Lock()
	c.waiters[f.ID] = wt
	c.waitMu.Unlock()
	forget := func() {
		c.waitMu.Lock()
		delete(c.waiters, f.ID)
		c.waitMu.Unlock()
	}

	if err := c.send(ctx, rank, f); err != nil {
		forget()
		return 0, err
	}
	timer := time.NewTimer(c.cfg.StealTimeout)
	defer timer.Stop()
	select {
	case n := <-wt.ch:
		return n, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	forget()
	// A reply may have raced the timeout.
	select {
	case n := <-wt.ch:
		return n, nil
	default:
		return 0, nil
	}
}

// Route sends a signal to node.
func (c *Coordinator) Route(sig activity.Signal, node uint32) error {
	if node == c.self {
		return c.local.DeliverSignal(sig)
	}
	w, err := protocol.EncodeSignal(sig)
	if err != nil {
		return err
	}
	f, err := protocol.NewFrame(protocol.FrameSignal, c.self, w)
	if err != nil {
		return err
	}
	return c.send(c.ctx, node, f)
}

// Place sends a created activity to the least loaded ready peer accepting its
// context.
func (c *Coordinator) Place(rec *activity.Record) (uint32, error) {
	c.mu.RLock()
	var target *peer
	for _, p := range c.peers {
		if !p.ready || p.left || !p.contexts.Accepts(rec.Context()) {
			continue
		}
		if target == nil || p.load < target.load || (p.load == target.load && p.rank < target.rank) {
			target = p
		}
	}
	c.mu.RUnlock()
	if target == nil {
		return 0, protocol.NewPlacementError(rec.Context())
	}

	batch, err := protocol.EncodeBatch(uuid.Must(uuid.NewV7()).String(), []*activity.Record{rec})
	if err != nil {
		return 0, err
	}
	f, err := protocol.NewFrame(protocol.FrameAdmit, c.self, protocol.Admit{Batch: batch})
	if err != nil {
		return 0, err
	}
	if err := c.send(c.ctx, target.rank, f); err != nil {
		return 0, err
	}
	c.mu.Lock()
	target.load++
	c.mu.Unlock()
	return target.rank, nil
}

// readyPeers returns the ranks of peers that said hello and did not leave.
func (c *Coordinator) readyPeers() []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []uint32
	for _, p := range c.peers {
		if p.ready && !p.left {
			out = append(out, p.rank)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WaitForPool blocks until the cluster has n nodes, this one included.
func (c *Coordinator) WaitForPool(ctx context.Context, n int) error {
	for len(c.readyPeers())+1 < n {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d nodes, have %d: %w", n, len(c.readyPeers())+1, ctx.Err())
		case <-c.changed:
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// Activate waits for a closed pool to be complete.
func (c *Coordinator) Activate(ctx context.Context) error {
	c.Start()
	if c.cfg.PoolSize > 0 {
		return c.WaitForPool(ctx, c.cfg.PoolSize)
	}
	return nil
}

func (c *Coordinator) terminating() bool {
	select {
	case <-c.terminated:
		return true
	default:
		return false
	}
}

// Terminated is closed when the master asked this node to terminate.
func (c *Coordinator) Terminated() <-chan struct{} { return c.terminated }

// Done runs the termination handshake. The master drains itself, tells every
// peer to terminate and waits for their acknowledgements; other nodes wait for
// the master, drain and acknowledge.
func (c *Coordinator) Done(ctx context.Context) error {
	if c.IsMaster() {
		return c.terminateCluster(ctx)
	}

	select {
	case <-c.terminated:
	case <-ctx.Done():
		return fmt.Errorf("node %d waiting for terminate: %w", c.self, ctx.Err())
	}
	err := c.local.Done(ctx)
	diag := c.local.Diagnostics()
	ack := protocol.TerminateAck{Rank: c.self, Discarded: len(diag), Diagnostic: diag}
	f, ferr := protocol.NewFrame(protocol.FrameTerminateAck, c.self, ack)
	if ferr == nil {
		ferr = c.send(ctx, c.cfg.Master, f)
	}
	c.finished.Store(true)
	return multierr.Append(err, ferr)
}

func (c *Coordinator) terminateCluster(ctx context.Context) error {
	errs := c.local.Done(ctx)

	var peers []uint32
	for _, rank := range c.readyPeers() {
		f, err := protocol.NewFrame(protocol.FrameTerminate, c.self, protocol.Terminate{Reason: "done"})
		if err == nil {
			err = c.send(ctx, rank, f)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("terminate node %d: %w", rank, err))
			continue
		}
		peers = append(peers, rank)
	}

	for {
		missing := c.missingAcks(peers)
		if len(missing) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return multierr.Append(errs, fmt.Errorf("waiting for nodes %v to terminate: %w", missing, ctx.Err()))
		case <-c.changed:
		case <-time.After(10 * time.Millisecond):
		}
	}
	c.finished.Store(true)
	c.logger.Info("cluster terminated", "nodes", len(peers)+1)
	return errs
}

// missingAcks returns the peers that neither acknowledged nor left.
func (c *Coordinator) missingAcks(peers []uint32) []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []uint32
	for _, rank := range peers {
		if _, ok := c.acks[rank]; ok {
			continue
		}
		if p, ok := c.peers[rank]; ok && p.left {
			continue
		}
		out = append(out, rank)
	}
	return out
}

// Close stops the receive loop and leaves the cluster.
func (c *Coordinator) Close() error {
	c.cancel()
	err := c.tr.Close()
	c.wg.Wait()
	return err
}
