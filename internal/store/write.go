package store

import (
	"context"
	"fmt"
	"time"
)

// Run describes one node's execution.
type Run struct {
	ID        string
	Node      uint32
	Label     string
	Executors int
	StartedAt time.Time
}

// Transition is one recorded lifecycle move.
type Transition struct {
	Seq      int64
	Activity string
	Executor string
	From     string
	To       string
	// Elapsed is the time since the run started.
	Elapsed time.Duration
}

// WriteRun inserts a run record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency.
func (s *Store) WriteRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, node, label, executors, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, run.ID, run.Node, run.Label, run.Executors, run.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// WriteTransitions inserts a batch of transitions of runID in one
// transaction. Rows already present are ignored.
func (s *Store) WriteTransitions(ctx context.Context, runID string, batch []Transition) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write transitions: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transitions (run_id, seq, activity, executor, from_state, to_state, elapsed_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("write transitions: %w", err)
	}
	defer stmt.Close()

	for _, tr := range batch {
		if _, err := stmt.ExecContext(ctx, runID, tr.Seq, tr.Activity, tr.Executor, tr.From, tr.To, int64(tr.Elapsed)); err != nil {
			return fmt.Errorf("write transition %d: %w", tr.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write transitions: %w", err)
	}
	return nil
}
