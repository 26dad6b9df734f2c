package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Runs returns every recorded run, oldest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node, label, executors, started_at
		FROM runs
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var run Run
		var started int64
		if err := rows.Scan(&run.ID, &run.Node, &run.Label, &run.Executors, &started); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = time.Unix(0, started)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Transitions returns the transitions of runID in sequence order.
// Returns an empty slice (not nil) if none were recorded.
func (s *Store) Transitions(ctx context.Context, runID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, activity, executor, from_state, to_state, elapsed_ns
		FROM transitions
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := []Transition{}
	for rows.Next() {
		var tr Transition
		var elapsed int64
		if err := rows.Scan(&tr.Seq, &tr.Activity, &tr.Executor, &tr.From, &tr.To, &elapsed); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.Elapsed = time.Duration(elapsed)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// Relocation is an activity handed from one executor to another. To is empty
// when the activity left the node.
type Relocation struct {
	Seq      int64
	Activity string
	From     string
	To       string
}

// Relocations pairs every hand-over of runID with the admission that followed.
func (s *Store) Relocations(ctx context.Context, runID string) ([]Relocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.seq, v.activity, v.executor, t.executor
		FROM transitions v
		LEFT JOIN transitions t
		  ON t.run_id = v.run_id
		 AND t.activity = v.activity
		 AND t.seq = (
			SELECT MIN(x.seq) FROM transitions x
			WHERE x.run_id = v.run_id
			  AND x.activity = v.activity
			  AND x.seq > v.seq
			  AND x.from_state = 'relocating'
		 )
		WHERE v.run_id = ? AND v.to_state = 'relocating'
		ORDER BY v.seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query relocations: %w", err)
	}
	defer rows.Close()

	out := []Relocation{}
	for rows.Next() {
		var r Relocation
		var to sql.NullString
		if err := rows.Scan(&r.Seq, &r.Activity, &r.From, &to); err != nil {
			return nil, fmt.Errorf("scan relocation: %w", err)
		}
		r.To = to.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relocations: %w", err)
	}
	return out, nil
}

// Summary aggregates one run.
type Summary struct {
	Transitions int
	Activities  int
	Completed   int
	Discarded   int
	// Executed counts the steps each executor ran.
	Executed map[string]int
}

// Summarize aggregates the transitions of runID.
func (s *Store) Summarize(ctx context.Context, runID string) (Summary, error) {
	sum := Summary{Executed: make(map[string]int)}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT activity),
		       COALESCE(SUM(to_state = 'completed'), 0),
		       COALESCE(SUM(to_state = 'discarded'), 0)
		FROM transitions
		WHERE run_id = ?
	`, runID).Scan(&sum.Transitions, &sum.Activities, &sum.Completed, &sum.Discarded)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT executor, COUNT(*)
		FROM transitions
		WHERE run_id = ? AND to_state = 'running'
		GROUP BY executor
		ORDER BY executor COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize executors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var exec string
		var n int
		if err := rows.Scan(&exec, &n); err != nil {
			return Summary{}, fmt.Errorf("scan executor: %w", err)
		}
		sum.Executed[exec] = n
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("iterate executors: %w", err)
	}
	return sum, nil
}
