package constellation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/executor"
	"github.com/roach88/constellation/internal/ident"
	"github.com/roach88/constellation/internal/protocol"
	"github.com/roach88/constellation/internal/seen"
)

// single runs one executor with nobody to steal from. It is the executor's
// parent, answering the calls an aggregator would.
type single struct {
	id         ident.ConstellationID
	exec       *executor.Executor
	pending    *executor.Pending
	tombstones *seen.Set
	accepting  atomic.Bool

	mu          sync.Mutex
	activated   bool
	runErr      chan error
	cancel      context.CancelFunc
	diagnostics []string
}

func newSingle(cfg executor.Config, o *options) (*single, error) {
	s := &single{
		id:         ident.NewConstellationID(0, 0),
		pending:    &executor.Pending{},
		tombstones: seen.New(1<<16, 0.001, 4096),
	}
	eid := ident.NewConstellationID(0, 1)
	opts := append(o.executorOptions(),
		executor.WithParent(s),
		executor.WithPending(s.pending),
		executor.WithRegistry(o.registry),
		executor.WithMetrics(o.metrics),
		executor.WithLogger(o.logger.With("executor", eid.String())),
	)
	ex, err := executor.New(eid, cfg, opts...)
	if err != nil {
		return nil, err
	}
	s.exec = ex
	s.accepting.Store(true)
	return s, nil
}

func (s *single) Submit(a activity.Activity) (ident.ActivityID, error) {
	if !s.accepting.Load() {
		return ident.ActivityID{}, protocol.NewNotAcceptingError()
	}
	return s.exec.Submit(a)
}

func (s *single) Send(sig activity.Signal) error { return s.exec.Send(sig) }

func (s *single) Activate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activated {
		return errors.New("constellation already active")
	}
	s.activated = true
	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.runErr = make(chan error, 1)
	go func() { s.runErr <- s.exec.Run(ctx) }()
	return nil
}

func (s *single) Done(ctx context.Context) error {
	s.accepting.Store(false)

	var errs error
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
wait:
	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			errs = fmt.Errorf("drain: %w (%d pending)", ctx.Err(), s.pending.Load())
			break wait
		case <-s.exec.Done():
			break wait
		case <-ticker.C:
		}
	}

	errs = multierr.Append(errs, s.stop())

	movable, lost := s.exec.Orphans()
	for _, rec := range append(movable, lost...) {
		s.diagnose(fmt.Sprintf("activity %s discarded at drain: %s", rec.ID, rec.State()))
		s.exec.Abandon(rec)
	}
	return errs
}

func (s *single) diagnose(msg string) {
	s.mu.Lock()
	s.diagnostics = append(s.diagnostics, msg)
	s.mu.Unlock()
}

// Close stops the executor without draining.
func (s *single) Close() error {
	s.accepting.Store(false)
	return s.stop()
}

// stop ends the run loop and waits for it. Later calls return nil.
func (s *single) stop() error {
	s.exec.Stop()
	s.mu.Lock()
	runErr, cancel := s.runErr, s.cancel
	s.runErr = nil
	s.mu.Unlock()
	if runErr == nil {
		return nil
	}
	err := <-runErr
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *single) Identifier() ident.ConstellationID { return s.id }

func (s *single) IsMaster() bool { return true }

func (s *single) Diagnostics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.diagnostics...)
}

// Steal finds nothing: there is no other executor.
func (s *single) Steal(context.Context, *protocol.StealRequest) int { return 0 }

// Route resolves a signal the executor does not hold.
func (s *single) Route(sig activity.Signal) error {
	if s.tombstones.MaybeContains(seen.ActivityKey(sig.Target.Key())) {
		return protocol.NewStaleError(sig.Target)
	}
	return protocol.NewUnknownError(sig.Target)
}

// Place rejects activities the executor does not accept.
func (s *single) Place(a activity.Activity) (ident.ActivityID, error) {
	return ident.ActivityID{}, protocol.NewPlacementError(a.Context())
}

func (s *single) Discarded(id ident.ActivityID) {
	s.tombstones.Add(seen.ActivityKey(id.Key()))
}

func (s *single) WorkAvailable(ident.ConstellationID) {}
