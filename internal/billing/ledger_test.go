package billing

import (
	"path/filepath"
	"testing"

	"github.com/arctek/agentforge/internal/db"
	"github.com/arctek/agentforge/internal/pricing"
)

func newTestLedger(t *testing.T) (*Ledger, *db.Store) {
	t.Helper()
	dir := t.TempDir()
	sqlDB, err := db.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	store := db.NewStore(sqlDB)
	engine := pricing.NewEngine(store)
	return NewLedger(store, engine), store
}

func seedChat(t *testing.T, store *db.Store) (projectID, chatID, runID string) {
	t.Helper()
	projectID = "proj-1"
	chatID = "chat-1"
	runID = "run-1"
	if err := store.CreateProject(&db.Project{ID: projectID, Name: "demo", Path: "projects/demo", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := store.CreateChat(&db.Chat{ID: chatID, ProjectID: projectID, Title: "chat", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if err := store.CreatePipelineRun(&db.PipelineRun{
		ID: runID, ChatID: chatID, Intent: db.IntentBuild, Scope: db.ScopeFull,
		UserMessage: "test", PlannedAgents: []string{"dev"}, Status: db.RunRunning, StartedAt: 1,
	}); err != nil {
		t.Fatalf("CreatePipelineRun: %v", err)
	}
	return projectID, chatID, runID
}

func seedExecution(t *testing.T, store *db.Store, runID, chatID, execID string) {
	t.Helper()
	if err := store.CreateExecution(&db.AgentExecution{
		ID: execID, RunID: runID, ChatID: chatID, AgentName: "dev",
		Status: db.ExecRunning, Input: "do work", StartedAt: 1,
	}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
}

func TestProvisionalThenFinalizeMatchesDirectTrack(t *testing.T) {
	ledger, store := newTestLedger(t)
	projectID, chatID, runID := seedChat(t, store)
	seedExecution(t, store, runID, chatID, "exec-1")

	ids, err := ledger.TrackProvisional(ProvisionalParams{
		ExecutionID: "exec-1", ChatID: chatID, ProjectID: projectID,
		Provider: "anthropic", Model: "claude-sonnet-4-20250514",
		EstimatedInput: 1000, NowMs: 100,
	})
	if err != nil {
		t.Fatalf("TrackProvisional: %v", err)
	}

	actual := ActualUsage{Input: 900, Output: 400}
	if err := ledger.Finalize(ids, actual, "anthropic", "claude-sonnet-4-20250514"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	var estimated int
	row := store.DB().QueryRow(`SELECT estimated FROM token_usage WHERE id = ?`, ids.UsageID)
	if err := row.Scan(&estimated); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if estimated != 0 {
		t.Fatalf("expected estimated=0 after finalize, got %d", estimated)
	}

	var ledgerInput int64
	row = store.DB().QueryRow(`SELECT input_tokens FROM billing_ledger WHERE id = ?`, ids.LedgerID)
	if err := row.Scan(&ledgerInput); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if ledgerInput != 900 {
		t.Fatalf("got input_tokens=%d want 900", ledgerInput)
	}
}

func TestProvisionalThenVoidLeavesNoTrace(t *testing.T) {
	ledger, store := newTestLedger(t)
	projectID, chatID, runID := seedChat(t, store)
	seedExecution(t, store, runID, chatID, "exec-2")

	ids, err := ledger.TrackProvisional(ProvisionalParams{
		ExecutionID: "exec-2", ChatID: chatID, ProjectID: projectID,
		Provider: "anthropic", Model: "claude-sonnet-4-20250514",
		EstimatedInput: 500, NowMs: 100,
	})
	if err != nil {
		t.Fatalf("TrackProvisional: %v", err)
	}
	if err := ledger.Void(ids); err != nil {
		t.Fatalf("Void: %v", err)
	}

	var count int
	row := store.DB().QueryRow(`SELECT COUNT(*) FROM token_usage WHERE id = ?`, ids.UsageID)
	_ = row.Scan(&count)
	if count != 0 {
		t.Fatalf("expected zero token_usage rows after void, got %d", count)
	}
	row = store.DB().QueryRow(`SELECT COUNT(*) FROM billing_ledger WHERE id = ?`, ids.LedgerID)
	_ = row.Scan(&count)
	if count != 0 {
		t.Fatalf("expected zero billing_ledger rows after void, got %d", count)
	}
}

func TestSweepOrphansNeverDeletes(t *testing.T) {
	ledger, store := newTestLedger(t)
	projectID, chatID, runID := seedChat(t, store)
	seedExecution(t, store, runID, chatID, "exec-3")

	_, err := ledger.TrackProvisional(ProvisionalParams{
		ExecutionID: "exec-3", ChatID: chatID, ProjectID: projectID,
		Provider: "anthropic", Model: "claude-sonnet-4-20250514",
		EstimatedInput: 2000, NowMs: 100,
	})
	if err != nil {
		t.Fatalf("TrackProvisional: %v", err)
	}

	n, err := ledger.SweepOrphans()
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept row, got %d", n)
	}

	var count int
	row := store.DB().QueryRow(`SELECT COUNT(*) FROM token_usage`)
	_ = row.Scan(&count)
	if count != 1 {
		t.Fatalf("sweep must not delete rows, found %d", count)
	}

	// Sweeping again finds nothing left to reconcile.
	n, err = ledger.SweepOrphans()
	if err != nil {
		t.Fatalf("SweepOrphans (2nd): %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 on second sweep, got %d", n)
	}
}

func TestDeleteChatRemovesTokenUsageButKeepsLedger(t *testing.T) {
	ledger, store := newTestLedger(t)
	projectID, chatID, runID := seedChat(t, store)
	seedExecution(t, store, runID, chatID, "exec-4")

	if _, err := ledger.Track(TrackParams{
		ExecutionID: "exec-4", ChatID: chatID, ProjectID: projectID, ProjectName: "demo", ChatTitle: "chat",
		Provider: "anthropic", Model: "claude-sonnet-4-20250514", Input: 100, Output: 50, NowMs: 100,
	}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	if err := store.DeleteChat(chatID); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}

	var usageCount int
	row := store.DB().QueryRow(`SELECT COUNT(*) FROM token_usage WHERE chat_id = ?`, chatID)
	_ = row.Scan(&usageCount)
	if usageCount != 0 {
		t.Fatalf("expected token_usage cleared on chat delete, got %d", usageCount)
	}

	var ledgerCount int
	row = store.DB().QueryRow(`SELECT COUNT(*) FROM billing_ledger WHERE chat_id = ?`, chatID)
	_ = row.Scan(&ledgerCount)
	if ledgerCount != 1 {
		t.Fatalf("expected billing_ledger to survive chat delete, got %d", ledgerCount)
	}
}
