package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/ident"
)

// DefaultFlushInterval is how often a Recorder writes buffered transitions.
const DefaultFlushInterval = 50 * time.Millisecond

// Recorder observes lifecycle transitions and writes them to a store in
// batches. Transition never blocks on the database.
type Recorder struct {
	store  *Store
	run    Run
	clock  *ident.Clock
	logger *slog.Logger

	mu   sync.Mutex
	buf  []Transition
	err  error
	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewRecorder writes run and starts recording into it. A run without an ID
// gets a fresh one; a zero StartedAt is now.
func (s *Store) NewRecorder(ctx context.Context, run Run, logger *slog.Logger) (*Recorder, error) {
	if run.ID == "" {
		run.ID = uuid.Must(uuid.NewV7()).String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := s.WriteRun(ctx, run); err != nil {
		return nil, err
	}
	r := &Recorder{
		store:  s,
		run:    run,
		clock:  ident.NewClock(),
		logger: logger.With("component", "recorder", "run", run.ID),
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

// RunID returns the identifier of the recorded run.
func (r *Recorder) RunID() string { return r.run.ID }

// Transition buffers one move.
func (r *Recorder) Transition(id ident.ActivityID, executor ident.ConstellationID, from, to activity.State) {
	tr := Transition{
		Activity: id.String(),
		Executor: executor.String(),
		From:     from.String(),
		To:       to.String(),
		Elapsed:  time.Since(r.run.StartedAt),
	}
	r.mu.Lock()
	tr.Seq = r.clock.Next()
	r.buf = append(r.buf, tr)
	full := len(r.buf) >= 1024
	r.mu.Unlock()

	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	ticker := time.NewTicker(DefaultFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			r.flush()
			return
		case <-r.kick:
		case <-ticker.C:
		}
		r.flush()
	}
}

func (r *Recorder) flush() {
	r.mu.Lock()
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()

	if err := r.store.WriteTransitions(context.Background(), r.run.ID, batch); err != nil {
		r.logger.Warn("trace write failed", "transitions", len(batch), "error", err)
		r.mu.Lock()
		if r.err == nil {
			r.err = err
		}
		r.mu.Unlock()
	}
}

// Close writes what is buffered and stops recording. It returns the first
// write error of the run.
func (r *Recorder) Close(ctx context.Context) error {
	r.once.Do(func() { close(r.stop) })
	select {
	case <-r.done:
	case <-ctx.Done():
		return fmt.Errorf("close recorder: %w", ctx.Err())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
