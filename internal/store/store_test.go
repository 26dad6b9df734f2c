package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	for name, want := range map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1",
		"busy_timeout": "5000",
		"foreign_keys": "1",
		"user_version": "1",
	} {
		if err := s.verifyPragma(name, want); err != nil {
			t.Error(err)
		}
	}
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := s.db.Exec("PRAGMA user_version = 9"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	s.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("Open() accepted a newer schema")
	}
}

func TestWriteTransitions_RequiresRun(t *testing.T) {
	s := createTestStore(t)
	err := s.WriteTransitions(context.Background(), "missing", []Transition{
		{Seq: 1, Activity: "a", Executor: "e", From: "created", To: "queued"},
	})
	if err == nil {
		t.Fatal("expected a foreign key violation")
	}
}

func TestWriteAndRead(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	start := time.Unix(1700000000, 0)

	run := Run{ID: "run-1", Node: 2, Label: "fib", Executors: 2, StartedAt: start}
	if err := s.WriteRun(ctx, run); err != nil {
		t.Fatalf("WriteRun() failed: %v", err)
	}
	// Idempotent.
	if err := s.WriteRun(ctx, run); err != nil {
		t.Fatalf("second WriteRun() failed: %v", err)
	}

	batch := []Transition{
		{Seq: 1, Activity: "a1", Executor: "e1", From: "created", To: "queued"},
		{Seq: 2, Activity: "a1", Executor: "e1", From: "queued", To: "relocating"},
		{Seq: 3, Activity: "a1", Executor: "e2", From: "relocating", To: "queued"},
		{Seq: 4, Activity: "a1", Executor: "e2", From: "queued", To: "running"},
		{Seq: 5, Activity: "a1", Executor: "e2", From: "running", To: "completed"},
		{Seq: 6, Activity: "a1", Executor: "e2", From: "completed", To: "discarded"},
		{Seq: 7, Activity: "a2", Executor: "e1", From: "created", To: "queued"},
		{Seq: 8, Activity: "a2", Executor: "e1", From: "queued", To: "relocating", Elapsed: time.Millisecond},
	}
	if err := s.WriteTransitions(ctx, run.ID, batch); err != nil {
		t.Fatalf("WriteTransitions() failed: %v", err)
	}

	runs, err := s.Runs(ctx)
	if err != nil {
		t.Fatalf("Runs() failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" || runs[0].Node != 2 || !runs[0].StartedAt.Equal(start) {
		t.Fatalf("Runs() = %+v", runs)
	}

	got, err := s.Transitions(ctx, run.ID)
	if err != nil {
		t.Fatalf("Transitions() failed: %v", err)
	}
	if len(got) != len(batch) {
		t.Fatalf("Transitions() returned %d rows, want %d", len(got), len(batch))
	}
	if got[7] != batch[7] {
		t.Errorf("Transitions()[7] = %+v, want %+v", got[7], batch[7])
	}

	relocs, err := s.Relocations(ctx, run.ID)
	if err != nil {
		t.Fatalf("Relocations() failed: %v", err)
	}
	want := []Relocation{
		{Seq: 2, Activity: "a1", From: "e1", To: "e2"},
		{Seq: 8, Activity: "a2", From: "e1", To: ""},
	}
	if len(relocs) != len(want) {
		t.Fatalf("Relocations() = %+v, want %+v", relocs, want)
	}
	for i := range want {
		if relocs[i] != want[i] {
			t.Errorf("Relocations()[%d] = %+v, want %+v", i, relocs[i], want[i])
		}
	}

	sum, err := s.Summarize(ctx, run.ID)
	if err != nil {
		t.Fatalf("Summarize() failed: %v", err)
	}
	if sum.Transitions != 8 || sum.Activities != 2 || sum.Completed != 1 || sum.Discarded != 1 {
		t.Errorf("Summarize() = %+v", sum)
	}
	if sum.Executed["e2"] != 1 || len(sum.Executed) != 1 {
		t.Errorf("Summarize().Executed = %v", sum.Executed)
	}
}

func TestTransitions_EmptyRun(t *testing.T) {
	s := createTestStore(t)
	got, err := s.Transitions(context.Background(), "nothing")
	if err != nil {
		t.Fatalf("Transitions() failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Transitions() = %#v, want empty slice", got)
	}
}
