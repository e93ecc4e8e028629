package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/arctek/agentforge/internal/agentio"
	"github.com/arctek/agentforge/internal/billing"
	"github.com/arctek/agentforge/internal/db"
	"github.com/arctek/agentforge/internal/errkind"
	"github.com/arctek/agentforge/internal/events"
	"github.com/arctek/agentforge/internal/pricing"
	"github.com/arctek/agentforge/internal/settings"
)

func newTestOrchestrator(t *testing.T, model agentio.ModelCall) (*Orchestrator, *db.Store, string, string) {
	t.Helper()
	dir := t.TempDir()
	sqlDB, err := db.Open(dir + "/test.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	store := db.NewStore(sqlDB)
	engine := pricing.NewEngine(store)
	ledger := billing.NewLedger(store, engine)
	config := settings.NewPipelineConfig(store)
	limiter := billing.NewLimiter(store, config)
	bus := events.NewBus()

	var clockMs int64 = 1000
	clock := func() int64 {
		clockMs++
		return clockMs
	}

	o := New(store, ledger, limiter, config, nil, bus, model, clock, nil)

	projectID := uuid.New().String()
	if err := store.CreateProject(&db.Project{ID: projectID, Name: "p", Path: dir, CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	chatID := uuid.New().String()
	if err := store.CreateChat(&db.Chat{ID: chatID, ProjectID: projectID, Title: "c", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	return o, store, projectID, chatID
}

// questionModel answers the classifier with "question" intent and every
// agent call with plain text, enough to exercise the single-node
// question plan end to end.
func questionModel(classifierCalls, researchCalls *int) agentio.ModelCall {
	return agentio.Func(func(ctx context.Context, req agentio.Request) (*agentio.Response, error) {
		if req.SystemPrompt == classifierSystemPrompt {
			*classifierCalls++
			return &agentio.Response{
				OutputText: `{"intent":"question","scope":"full"}`,
				Usage:      agentio.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		}
		*researchCalls++
		return &agentio.Response{
			OutputText: "The answer is 42.",
			Usage:      agentio.Usage{InputTokens: 20, OutputTokens: 10},
		}, nil
	})
}

func TestRunPipelineHappyPathQuestion(t *testing.T) {
	var classifierCalls, researchCalls int
	model := questionModel(&classifierCalls, &researchCalls)
	o, store, projectID, chatID := newTestOrchestrator(t, model)

	run, err := o.RunPipeline(context.Background(), RunParams{
		ChatID:      chatID,
		ProjectID:   projectID,
		ProjectName: "p",
		ChatTitle:   "c",
		UserMessage: "what does this function do?",
	})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if run.Status != db.RunCompleted {
		t.Fatalf("expected completed run, got %s (reason %s)", run.Status, run.Reason)
	}
	if classifierCalls != 1 {
		t.Fatalf("expected exactly 1 classifier call, got %d", classifierCalls)
	}
	if researchCalls != 1 {
		t.Fatalf("expected exactly 1 research call, got %d", researchCalls)
	}
	if len(run.PlannedAgents) != 1 || run.PlannedAgents[0] != "research" {
		t.Fatalf("expected planned agents [research], got %v", run.PlannedAgents)
	}

	execs, err := store.ListExecutions(run.ID)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != db.ExecDone {
		t.Fatalf("expected one completed execution, got %+v", execs)
	}

	cost, err := store.SumProjectCost(projectID)
	if err != nil {
		t.Fatalf("SumProjectCost: %v", err)
	}
	if cost < 0 {
		t.Fatalf("expected non-negative project cost, got %v", cost)
	}
}

func TestRunPipelineRejectsConcurrentRunForSameChat(t *testing.T) {
	var classifierCalls, researchCalls int
	model := questionModel(&classifierCalls, &researchCalls)
	o, store, projectID, chatID := newTestOrchestrator(t, model)

	// Simulate a still-running prior run by inserting one directly.
	if err := store.CreatePipelineRun(&db.PipelineRun{
		ID: uuid.New().String(), ChatID: chatID, Intent: db.IntentQuestion, Scope: db.ScopeFull,
		UserMessage: "first", PlannedAgents: []string{"research"}, Status: db.RunRunning, StartedAt: 1,
	}); err != nil {
		t.Fatalf("seed running run: %v", err)
	}

	_, err := o.RunPipeline(context.Background(), RunParams{
		ChatID: chatID, ProjectID: projectID, UserMessage: "second",
	})
	if err == nil {
		t.Fatalf("expected an error for a chat with a run already in progress")
	}
	if errkind.Classify(err) != errkind.Validation {
		t.Fatalf("expected validation error kind, got %v", errkind.Classify(err))
	}
}

func TestRunPipelineVoidsProvisionalLedgerRowsOnTransientFailure(t *testing.T) {
	attempts := 0
	model := agentio.Func(func(ctx context.Context, req agentio.Request) (*agentio.Response, error) {
		if req.SystemPrompt == classifierSystemPrompt {
			return &agentio.Response{OutputText: `{"intent":"question","scope":"full"}`}, nil
		}
		attempts++
		return nil, fmt.Errorf("upstream is down")
	})
	o, store, projectID, chatID := newTestOrchestrator(t, model)
	o.config = settings.NewPipelineConfig(store) // ensure default MaxRetries() = 3

	run, err := o.RunPipeline(context.Background(), RunParams{
		ChatID: chatID, ProjectID: projectID, UserMessage: "fix the bug",
	})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if run.Status != db.RunFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
	// MaxRetries defaults to 3, so 4 attempts total (initial + 3 retries).
	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}

	var count int
	row := store.DB().QueryRow(`SELECT COUNT(*) FROM token_usage WHERE chat_id = ?`, chatID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count token_usage: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected every provisional token_usage row to be voided, found %d", count)
	}
}

func TestRunPipelineBlocksOnDailyCostLimit(t *testing.T) {
	model := agentio.Func(func(ctx context.Context, req agentio.Request) (*agentio.Response, error) {
		if req.SystemPrompt == classifierSystemPrompt {
			return &agentio.Response{OutputText: `{"intent":"question","scope":"full"}`}, nil
		}
		t.Fatalf("model should not be called once the daily limit blocks admission")
		return nil, nil
	})
	o, store, projectID, chatID := newTestOrchestrator(t, model)
	if err := store.SetSetting("maxCostPerDay", "0.0001"); err != nil {
		t.Fatalf("set maxCostPerDay: %v", err)
	}
	// Seed a non-provisional ledger row today that already exceeds the cap.
	if _, err := store.DB().Exec(`
		INSERT INTO billing_ledger (id, chat_id, project_id, provider, model, input_tokens, output_tokens, total_tokens, cost_estimate, estimated, created_at)
		VALUES (?, ?, ?, 'anthropic', 'claude-3-5-haiku-20241022', 100, 100, 200, 10.0, 0, ?)
	`, uuid.New().String(), chatID, projectID, 2000); err != nil {
		t.Fatalf("seed ledger row: %v", err)
	}

	run, err := o.RunPipeline(context.Background(), RunParams{
		ChatID: chatID, ProjectID: projectID, UserMessage: "question", APIKeyHash: "hash",
	})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if run.Status != db.RunFailed {
		t.Fatalf("expected failed run due to budget, got %s", run.Status)
	}
	if run.Reason != string(errkind.BudgetExceeded) {
		t.Fatalf("expected budget_exceeded reason, got %q", run.Reason)
	}
}

func TestRunPipelineRemediatesFailingCodeReview(t *testing.T) {
	reviewCalls := 0
	model := agentio.Func(func(ctx context.Context, req agentio.Request) (*agentio.Response, error) {
		switch {
		case req.SystemPrompt == classifierSystemPrompt:
			return &agentio.Response{OutputText: `{"intent":"fix","scope":"backend"}`}, nil
		case strings.Contains(req.SystemPrompt, "review the changed files"):
			reviewCalls++
			if reviewCalls == 1 {
				return &agentio.Response{OutputText: `{"verdict":"fail","reason":"missing null check"}`}, nil
			}
			return &agentio.Response{OutputText: `{"verdict":"pass","reason":""}`}, nil
		default:
			return &agentio.Response{OutputText: `{"tool":"write_file","args":{"path":"main.go"}}`}, nil
		}
	})
	o, _, projectID, chatID := newTestOrchestrator(t, model)
	if err := o.store.SetSetting("pipeline.maxRemediationCycles", "2"); err != nil {
		t.Fatalf("set setting: %v", err)
	}

	run, err := o.RunPipeline(context.Background(), RunParams{
		ChatID: chatID, ProjectID: projectID, UserMessage: "fix the crash",
	})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if run.Status != db.RunCompleted {
		t.Fatalf("expected run to complete after remediation, got %s (%s)", run.Status, run.Reason)
	}
	if reviewCalls != 2 {
		t.Fatalf("expected exactly 2 review calls (fail then pass), got %d", reviewCalls)
	}
}

func TestRunPipelineExhaustsRemediationAndFails(t *testing.T) {
	model := agentio.Func(func(ctx context.Context, req agentio.Request) (*agentio.Response, error) {
		switch {
		case req.SystemPrompt == classifierSystemPrompt:
			return &agentio.Response{OutputText: `{"intent":"fix","scope":"backend"}`}, nil
		case strings.Contains(req.SystemPrompt, "review the changed files"):
			return &agentio.Response{OutputText: `{"verdict":"fail","reason":"still broken"}`}, nil
		default:
			return &agentio.Response{OutputText: "no write_file emitted"}, nil
		}
	})
	o, _, projectID, chatID := newTestOrchestrator(t, model)
	if err := o.store.SetSetting("pipeline.maxRemediationCycles", "1"); err != nil {
		t.Fatalf("set setting: %v", err)
	}

	run, err := o.RunPipeline(context.Background(), RunParams{
		ChatID: chatID, ProjectID: projectID, UserMessage: "fix the crash",
	})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if run.Status != db.RunFailed {
		t.Fatalf("expected failed run once remediation cycles are exhausted, got %s", run.Status)
	}
}

// TestRunPipelineRemediationAdmitsBudgetBeforeEachCycle covers spec.md
// §4.1 step 6: each remediation cycle is itself a dispatch and must pass
// the same admission checks as every other node, not just the one
// before the initial code-review dispatch. The mock starves the daily
// budget the moment the first review fails, so the remediation loop's
// own admission check (ahead of the dev-agent fix retry) is what has to
// catch it.
func TestRunPipelineRemediationAdmitsBudgetBeforeEachCycle(t *testing.T) {
	var store *db.Store
	reviewCalls := 0
	model := agentio.Func(func(ctx context.Context, req agentio.Request) (*agentio.Response, error) {
		switch {
		case req.SystemPrompt == classifierSystemPrompt:
			return &agentio.Response{OutputText: `{"intent":"fix","scope":"backend"}`}, nil
		case strings.Contains(req.SystemPrompt, "review the changed files"):
			reviewCalls++
			if err := store.SetSetting("maxCostPerDay", "0.0000001"); err != nil {
				t.Fatalf("set maxCostPerDay: %v", err)
			}
			return &agentio.Response{OutputText: `{"verdict":"fail","reason":"missing null check"}`}, nil
		default:
			return &agentio.Response{
				OutputText: `{"tool":"write_file","args":{"path":"main.go"}}`,
				Usage:      agentio.Usage{InputTokens: 10, OutputTokens: 10},
			}, nil
		}
	})

	o, st, projectID, chatID := newTestOrchestrator(t, model)
	store = st
	if err := o.store.SetSetting("pipeline.maxRemediationCycles", "2"); err != nil {
		t.Fatalf("set setting: %v", err)
	}

	run, err := o.RunPipeline(context.Background(), RunParams{
		ChatID: chatID, ProjectID: projectID, UserMessage: "fix the crash",
	})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if run.Status != db.RunFailed {
		t.Fatalf("expected remediation's admission check to fail the run, got %s (%s)", run.Status, run.Reason)
	}
	if run.Reason != string(errkind.BudgetExceeded) {
		t.Fatalf("expected budget_exceeded reason, got %q", run.Reason)
	}
	if reviewCalls != 1 {
		t.Fatalf("expected exactly 1 review call before admission blocked the remediation cycle, got %d", reviewCalls)
	}
}

// TestClassifyCallErrDistinguishesPermanentFromTransient covers spec.md
// §7's scoping of transient_upstream to "network, rate-limit, or 5xx":
// a 400/401/404 should never be retried, since resending the same
// request produces the same failure every time.
func TestClassifyCallErrDistinguishesPermanentFromTransient(t *testing.T) {
	cases := []struct {
		err  error
		want errkind.Kind
	}{
		{&agentio.StatusError{StatusCode: 400}, errkind.Validation},
		{&agentio.StatusError{StatusCode: 401}, errkind.Validation},
		{&agentio.StatusError{StatusCode: 404}, errkind.Validation},
		{&agentio.StatusError{StatusCode: 429}, errkind.TransientUpstream},
		{&agentio.StatusError{StatusCode: 500}, errkind.TransientUpstream},
		{&agentio.StatusError{StatusCode: 503}, errkind.TransientUpstream},
		{fmt.Errorf("dial tcp: connection refused"), errkind.TransientUpstream},
	}
	for _, c := range cases {
		if got := classifyCallErr(c.err); got != c.want {
			t.Errorf("classifyCallErr(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestAbortPipelineStopsAnInFlightRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	model := agentio.Func(func(ctx context.Context, req agentio.Request) (*agentio.Response, error) {
		if req.SystemPrompt == classifierSystemPrompt {
			return &agentio.Response{OutputText: `{"intent":"question","scope":"full"}`}, nil
		}
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return &agentio.Response{OutputText: "done"}, nil
		}
	})
	o, _, projectID, chatID := newTestOrchestrator(t, model)

	resultCh := make(chan *db.PipelineRun, 1)
	errCh := make(chan error, 1)
	go func() {
		run, err := o.RunPipeline(context.Background(), RunParams{
			ChatID: chatID, ProjectID: projectID, UserMessage: "question",
		})
		resultCh <- run
		errCh <- err
	}()

	<-started
	if !o.AbortPipeline(chatID) {
		t.Fatalf("expected AbortPipeline to find an in-flight run")
	}
	close(release)

	run := <-resultCh
	err := <-errCh
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if run.Status != db.RunFailed && run.Status != db.RunInterrupted {
		t.Fatalf("expected the aborted run to end failed or interrupted, got %s", run.Status)
	}
}

func TestAbortPipelineReturnsFalseWhenNoRunInFlight(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, agentio.Func(func(ctx context.Context, req agentio.Request) (*agentio.Response, error) {
		return &agentio.Response{}, nil
	}))
	if o.AbortPipeline("no-such-chat") {
		t.Fatalf("expected AbortPipeline to return false for an unknown chat")
	}
}
