package db

import "testing"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	sqlDB, err := Open(dir + "/test.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return NewStore(sqlDB)
}

// TestSweepStuckRunsInterruptsRunningRows covers the crash-recovery path:
// a pipeline_runs row left at status=running (because the process was
// killed mid-run) would otherwise permanently block LatestRunForChat's
// "one run in flight per chat" check for that chat forever.
func TestSweepStuckRunsInterruptsRunningRows(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateProject(&Project{ID: "p1", Name: "p", Path: "/tmp/p", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := store.CreateChat(&Chat{ID: "c1", ProjectID: "p1", Title: "t", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	stuck := &PipelineRun{ID: "r1", ChatID: "c1", Intent: IntentQuestion, Scope: ScopeFull, UserMessage: "hi", Status: RunRunning, StartedAt: 1}
	if err := store.CreatePipelineRun(stuck); err != nil {
		t.Fatalf("create run: %v", err)
	}
	exec := &AgentExecution{ID: "e1", RunID: "r1", ChatID: "c1", AgentName: "research", Status: ExecRunning, Input: "hi", StartedAt: 1}
	if err := store.CreateExecution(exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	n, err := store.SweepStuckRuns(100)
	if err != nil {
		t.Fatalf("SweepStuckRuns: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 run swept, got %d", n)
	}

	got, err := store.GetPipelineRun("r1")
	if err != nil {
		t.Fatalf("GetPipelineRun: %v", err)
	}
	if got.Status != RunInterrupted {
		t.Fatalf("expected run interrupted, got %s", got.Status)
	}

	// A second sweep with nothing left running is a no-op.
	n2, err := store.SweepStuckRuns(200)
	if err != nil {
		t.Fatalf("second SweepStuckRuns: %v", err)
	}
	if n2 != 0 {
		t.Fatalf("expected 0 runs swept on second pass, got %d", n2)
	}
}
