// Package orchestrator implements the pipeline orchestrator of spec.md
// §4.1: classify a user message, plan an ordered agent list, dispatch
// each step with write-ahead accounting and budget admission, retry
// transient failures, remediate build/test failures, and auto-commit
// after developer agents write files. It generalizes the teacher's
// ticket-oriented orchestrator.go (kanban status machine driving
// per-ticket agent spawns) into a single linear per-run dispatch loop
// over a fixed agent plan.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/arctek/agentforge/internal/agentio"
	"github.com/arctek/agentforge/internal/billing"
	"github.com/arctek/agentforge/internal/db"
	"github.com/arctek/agentforge/internal/errkind"
	"github.com/arctek/agentforge/internal/events"
	"github.com/arctek/agentforge/internal/merge"
	"github.com/arctek/agentforge/internal/settings"
	"github.com/arctek/agentforge/internal/version"
)

// Clock abstracts wall-clock reads so tests can supply deterministic
// timestamps; production wiring passes a thunk around time.Now().
type Clock func() int64

// Orchestrator implements RunPipeline and AbortPipeline (spec.md §4.1).
type Orchestrator struct {
	store     *db.Store
	ledger    *billing.Ledger
	limiter   *billing.Limiter
	config    *settings.PipelineConfig
	versions  *version.Store
	bus       *events.Bus
	model     agentio.ModelCall
	now       Clock
	logger    *slog.Logger

	cancels *cancelRegistry

	chatLocksMu sync.Mutex
	chatLocks   map[string]*sync.Mutex
}

// New builds an Orchestrator. model is the single opaque ModelCall
// capability every agent step (including the classifier) is dispatched
// through; request.Provider/Model select the concrete backend.
func New(store *db.Store, ledger *billing.Ledger, limiter *billing.Limiter, config *settings.PipelineConfig, versions *version.Store, bus *events.Bus, model agentio.ModelCall, now Clock, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		ledger:    ledger,
		limiter:   limiter,
		config:    config,
		versions:  versions,
		bus:       bus,
		model:     model,
		now:       now,
		logger:    logger,
		cancels:   newCancelRegistry(),
		chatLocks: make(map[string]*sync.Mutex),
	}
}

// outputSet tracks agent outputs alongside the order they were actually
// dispatched in. A plain map cannot recover that order, and merge-field
// resolution must be deterministic (spec.md §4.1), so anything that
// needs "the most recently dispatched dev agent" reads dispatchOrder
// rather than ranging over values.
type outputSet struct {
	values        map[string]string
	dispatchOrder []string
}

func newOutputSet() *outputSet {
	return &outputSet{values: make(map[string]string)}
}

// set records agentName's output, moving it to the end of dispatchOrder
// if it was already present (a remediation cycle re-running the same
// agent counts as the newest dispatch of it).
func (s *outputSet) set(agentName, output string) {
	if _, exists := s.values[agentName]; exists {
		for i, n := range s.dispatchOrder {
			if n == agentName {
				s.dispatchOrder = append(s.dispatchOrder[:i], s.dispatchOrder[i+1:]...)
				break
			}
		}
	}
	s.dispatchOrder = append(s.dispatchOrder, agentName)
	s.values[agentName] = output
}

// RunParams describes one pipeline invocation (spec.md §4.1 Inputs).
type RunParams struct {
	ChatID      string
	ProjectID   string
	ProjectName string
	ChatTitle   string
	ProjectPath string
	UserMessage string
	APIKeyHash  string
}

// AbortPipeline flips chatID's cancellation token (spec.md §4.1
// Cancellation). Returns false if no run is currently in flight.
func (o *Orchestrator) AbortPipeline(chatID string) bool {
	return o.cancels.abort(chatID)
}

func (o *Orchestrator) chatLock(chatID string) *sync.Mutex {
	o.chatLocksMu.Lock()
	defer o.chatLocksMu.Unlock()
	l, ok := o.chatLocks[chatID]
	if !ok {
		l = &sync.Mutex{}
		o.chatLocks[chatID] = l
	}
	return l
}

// RunPipeline classifies p.UserMessage, plans the agent list, and
// dispatches it end to end, returning the finalized run (spec.md §4.1).
// A new run is blocked until the chat's prior run reaches a terminal
// state (spec.md §4.1 "Ordering guarantees").
func (o *Orchestrator) RunPipeline(ctx context.Context, p RunParams) (*db.PipelineRun, error) {
	lock := o.chatLock(p.ChatID)
	lock.Lock()
	defer lock.Unlock()

	if prior, err := o.store.LatestRunForChat(p.ChatID); err == nil && prior != nil {
		if prior.Status == db.RunRunning {
			return nil, errkind.Wrap(errkind.Validation, fmt.Errorf("chat %s already has a run in progress", p.ChatID))
		}
	}

	runCtx := o.cancels.begin(ctx, p.ChatID)
	defer o.cancels.end(p.ChatID)

	classifierAgent := resolveAgent(o.config, "classifier")
	classification, err := Classify(runCtx, o.model, classifierAgent.Provider, classifierAgent.Model, p.UserMessage)
	if err != nil {
		return nil, fmt.Errorf("classification failed: %w", err)
	}

	nodes := Plan(classification.Intent, classification.Scope)
	plannedNames := make([]string, len(nodes))
	for i, n := range nodes {
		plannedNames[i] = n.AgentName
	}

	run := &db.PipelineRun{
		ID:            uuid.New().String(),
		ChatID:        p.ChatID,
		Intent:        classification.Intent,
		Scope:         classification.Scope,
		UserMessage:   p.UserMessage,
		PlannedAgents: plannedNames,
		Status:        db.RunRunning,
		StartedAt:     o.now(),
	}
	if err := o.store.CreatePipelineRun(run); err != nil {
		return nil, fmt.Errorf("failed to create pipeline run: %w", err)
	}

	outputs := newOutputSet()

	for _, node := range nodes {
		select {
		case <-runCtx.Done():
			o.finishRun(run, db.RunInterrupted, "aborted")
			o.publish(p.ChatID, run.ID, node.AgentName, events.StatusStopped, "Stopped")
			return run, nil
		default:
		}

		output, stepErr := o.dispatchNode(runCtx, p, run, node, outputs)
		if stepErr != nil {
			kind := errkind.Classify(stepErr)
			reason := string(kind)
			if kind == errkind.Unknown {
				reason = stepErr.Error()
			}
			o.finishRun(run, db.RunFailed, reason)
			o.publish(p.ChatID, run.ID, node.AgentName, events.StatusFailed, reason)
			return run, nil
		}
		outputs.set(node.AgentName, output)
	}

	o.finishRun(run, db.RunCompleted, "")
	o.publish(p.ChatID, run.ID, "", events.StatusCompleted, "Pipeline completed")
	return run, nil
}

func (o *Orchestrator) finishRun(run *db.PipelineRun, status db.RunStatus, reason string) {
	run.Status = status
	run.Reason = reason
	run.CompletedAt = o.now()
	if err := o.store.UpdateRunStatus(run.ID, status, reason, run.CompletedAt); err != nil {
		o.logger.Error("failed to persist run status", "run", run.ID, "error", err)
	}
}

func (o *Orchestrator) publish(chatID, runID, agentName string, status events.Status, summary string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{ChatID: chatID, RunID: runID, AgentName: agentName, Status: status, Summary: summary})
}

// admit runs the per-chat/daily/project budget checks every dispatch
// must pass (spec.md §4.1 step 1), including each remediation cycle
// (spec.md §4.1 step 6: "each cycle counts as one retry of a new
// execution row"). A check error fails closed rather than letting the
// call through.
func (o *Orchestrator) admit(p RunParams) error {
	if d, err := o.limiter.CheckPerChat(p.ChatID); err != nil {
		return fmt.Errorf("per-chat budget check failed: %w", err)
	} else if !d.Allowed {
		return errkind.Wrap(errkind.BudgetExceeded, fmt.Errorf("%s", d.Reason))
	}
	dayStart, dayEnd := dayBoundsMs(o.now())
	if d, err := o.limiter.CheckDaily(dayStart, dayEnd); err != nil {
		return fmt.Errorf("daily budget check failed: %w", err)
	} else if !d.Allowed {
		return errkind.Wrap(errkind.BudgetExceeded, fmt.Errorf("%s", d.Reason))
	}
	if p.ProjectID != "" {
		if d, err := o.limiter.CheckProject(p.ProjectID); err != nil {
			return fmt.Errorf("project budget check failed: %w", err)
		} else if !d.Allowed {
			return errkind.Wrap(errkind.BudgetExceeded, fmt.Errorf("%s", d.Reason))
		}
	}
	return nil
}

// dispatchNode runs one plan node through admission, accounting,
// retries, and remediation, returning its final output text.
func (o *Orchestrator) dispatchNode(ctx context.Context, p RunParams, run *db.PipelineRun, node Node, outputs *outputSet) (string, error) {
	if err := o.admit(p); err != nil {
		return "", err
	}

	prompt, err := o.buildPrompt(p, node, outputs)
	if err != nil {
		return "", errkind.Wrap(errkind.Validation, err)
	}

	agent := resolveAgent(o.config, node.AgentName)
	output, execErr := o.dispatchWithRetry(ctx, p, run, node, agent, prompt)
	if execErr != nil {
		return "", execErr
	}

	if devAgents[node.AgentName] {
		o.autoCommitAfterDev(ctx, p, node.AgentName)
	}

	if node.AgentName == "code-review" {
		if ok, reason := passed(output); !ok {
			// remediate mutates outputs[node.AgentName] in place as it
			// re-runs the review; report its final text, not this
			// pre-remediation snapshot, so the caller never clobbers a
			// later successful verdict with the original failure.
			if err := o.remediate(ctx, p, run, node, agent, outputs, reason); err != nil {
				return output, err
			}
			return outputs.values[node.AgentName], nil
		}
	}

	return output, nil
}

// dispatchWithRetry runs one execution attempt, retrying transient
// failures up to config.MaxRetries (spec.md §4.1 step 5). Validation
// and abort errors are never retried.
func (o *Orchestrator) dispatchWithRetry(ctx context.Context, p RunParams, run *db.PipelineRun, node Node, agent AgentDefault, prompt string) (string, error) {
	maxRetries := o.config.MaxRetries()
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		output, err := o.executeStep(ctx, p, run, node, agent, prompt, attempt)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if !errkind.Retryable(errkind.Classify(err)) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", errkind.Wrap(errkind.Aborted, ctx.Err())
		}
	}
	return "", lastErr
}

// classifyCallErr maps a ModelCall failure to its retry classification
// (spec.md §7 scopes transient_upstream to "network, rate-limit, or
// 5xx"). A *agentio.StatusError carrying a 4xx status other than a rate
// limit (bad request, auth failure, unknown model) is a validation error
// that will fail identically on every retry; everything else (network
// errors with no status code, 429s, 5xx) is transient.
func classifyCallErr(err error) errkind.Kind {
	var statusErr *agentio.StatusError
	if errors.As(err, &statusErr) && !statusErr.Transient() {
		return errkind.Validation
	}
	return errkind.TransientUpstream
}

// executeStep is one admission-free dispatch attempt: create the
// execution row, write-ahead the provisional ledger entry, call the
// model, then finalize or void (spec.md §4.1 steps 2-4).
func (o *Orchestrator) executeStep(ctx context.Context, p RunParams, run *db.PipelineRun, node Node, agent AgentDefault, prompt string, retryCount int) (string, error) {
	execID := uuid.New().String()
	startedAt := o.now()

	exec := &db.AgentExecution{
		ID:         execID,
		RunID:      run.ID,
		ChatID:     p.ChatID,
		AgentName:  node.AgentName,
		Status:     db.ExecRunning,
		Input:      prompt,
		RetryCount: retryCount,
		StartedAt:  startedAt,
	}
	if err := o.store.CreateExecution(exec); err != nil {
		return "", fmt.Errorf("failed to create execution: %w", err)
	}

	o.audit(run.ID, execID, node.AgentName, db.AuditPromptSent, prompt, startedAt)

	estimatedInput := estimateTokens(prompt)
	ids, err := o.ledger.TrackProvisional(billing.ProvisionalParams{
		ExecutionID:    execID,
		ChatID:         p.ChatID,
		ProjectID:      p.ProjectID,
		ProjectName:    p.ProjectName,
		ChatTitle:      p.ChatTitle,
		Provider:       agent.Provider,
		Model:          agent.Model,
		APIKeyHash:     p.APIKeyHash,
		EstimatedInput: estimatedInput,
		NowMs:          startedAt,
	})
	if err != nil {
		o.failExecution(exec, err.Error())
		return "", err
	}

	maxOutputTokens := o.config.DefaultMaxOutputTokens()
	maxToolSteps := o.config.DefaultMaxToolSteps()

	resp, callErr := o.model.Call(ctx, agentio.Request{
		Provider:        agent.Provider,
		Model:           agent.Model,
		SystemPrompt:    agent.SystemPrompt,
		UserPrompt:      prompt,
		MaxOutputTokens: maxOutputTokens,
		MaxToolSteps:    maxToolSteps,
	})
	if callErr != nil {
		if ctx.Err() != nil {
			o.audit(run.ID, execID, node.AgentName, db.AuditError, "aborted", o.now())
			o.voidAndStop(exec, ids, "aborted")
			return "", errkind.Wrap(errkind.Aborted, ctx.Err())
		}
		o.audit(run.ID, execID, node.AgentName, db.AuditError, callErr.Error(), o.now())
		_ = o.ledger.Void(ids)
		o.failExecution(exec, callErr.Error())
		return "", errkind.Wrap(classifyCallErr(callErr), callErr)
	}

	o.audit(run.ID, execID, node.AgentName, db.AuditResponseReceived, resp.OutputText, o.now())

	dedupedInput := agentio.Dedup(resp.Usage.InputTokens, resp.Usage.CacheCreate, resp.Usage.CacheRead)
	if err := o.ledger.Finalize(ids, billing.ActualUsage{
		Input:       dedupedInput,
		Output:      resp.Usage.OutputTokens,
		CacheCreate: resp.Usage.CacheCreate,
		CacheRead:   resp.Usage.CacheRead,
	}, agent.Provider, agent.Model); err != nil {
		o.failExecution(exec, err.Error())
		return "", err
	}

	exec.Status = db.ExecDone
	exec.Output = resp.OutputText
	exec.CompletedAt = o.now()
	if err := o.store.UpdateExecution(exec, "completed"); err != nil {
		o.logger.Error("failed to persist completed execution", "execution", execID, "error", err)
	}
	o.publish(p.ChatID, run.ID, node.AgentName, events.StatusCompleted, "")

	return resp.OutputText, nil
}

// maxAuditEventData bounds how much of a prompt or response is kept in
// the audit log, matching the teacher's agents/audit.go truncation.
const maxAuditEventData = 50000

// audit records one observable event for an execution (spec.md §7:
// prompts and responses never surface in error messages, only here).
// Failures to write the audit row are logged, not propagated: auditing
// must never abort a pipeline step.
func (o *Orchestrator) audit(runID, execID, agentName string, eventType db.AuditEventType, data string, nowMs int64) {
	if len(data) > maxAuditEventData {
		data = data[:maxAuditEventData] + "\n...[truncated]"
	}
	entry := &db.AuditEntry{
		ID:          uuid.New().String(),
		RunID:       runID,
		ExecutionID: execID,
		AgentName:   agentName,
		EventType:   eventType,
		EventData:   data,
		CreatedAt:   nowMs,
	}
	if err := o.store.AddAuditEntry(entry); err != nil {
		o.logger.Warn("failed to write audit entry", "execution", execID, "event", eventType, "error", err)
	}
}

func (o *Orchestrator) failExecution(exec *db.AgentExecution, reason string) {
	exec.Status = db.ExecFailed
	exec.Error = reason
	exec.CompletedAt = o.now()
	if err := o.store.UpdateExecution(exec, "failed"); err != nil {
		o.logger.Error("failed to persist failed execution", "execution", exec.ID, "error", err)
	}
}

func (o *Orchestrator) voidAndStop(exec *db.AgentExecution, ids billing.Ids, reason string) {
	// The sweep at next startup reconciles this if void itself fails
	// mid-crash; an abort-time void failure is logged, not retried.
	if err := o.ledger.Void(ids); err != nil {
		o.logger.Warn("failed to void provisional ledger rows on abort", "execution", exec.ID, "error", err)
	}
	exec.Status = db.ExecStopped
	exec.Error = reason
	exec.CompletedAt = o.now()
	if err := o.store.UpdateExecution(exec, "stopped"); err != nil {
		o.logger.Error("failed to persist stopped execution", "execution", exec.ID, "error", err)
	}
}

// remediate dispatches up to MaxRemediationCycles fix-focused retries of
// the responsible developer agent after a failing code-review verdict.
// Each cycle is a brand-new execution row; the pipeline never mutates a
// prior one (spec.md §4.1 step 6).
func (o *Orchestrator) remediate(ctx context.Context, p RunParams, run *db.PipelineRun, reviewNode Node, reviewAgent AgentDefault, outputs *outputSet, failureReason string) error {
	devName := lastDevAgent(outputs)
	if devName == "" {
		return errkind.Wrap(errkind.ToolError, fmt.Errorf("code review failed and no developer agent ran to remediate: %s", failureReason))
	}

	devAgent := resolveAgent(o.config, devName)
	devNode := Node{AgentName: devName}

	for cycle := 1; cycle <= o.config.MaxRemediationCycles(); cycle++ {
		if err := o.admit(p); err != nil {
			return err
		}

		fixPrompt := fmt.Sprintf("Remediation cycle %d. Prior output:\n%s\n\nFailure:\n%s\n\nFix the issue.", cycle, outputs.values[devName], failureReason)

		output, err := o.dispatchWithRetry(ctx, p, run, devNode, devAgent, fixPrompt)
		if err != nil {
			return err
		}
		outputs.set(devName, output)
		o.autoCommitAfterDev(ctx, p, devName)

		if err := o.admit(p); err != nil {
			return err
		}

		// Rebuild the review prompt each cycle so its file-manifest and
		// output transforms see the just-committed changes rather than
		// the pre-remediation snapshot.
		reviewPrompt, err := o.buildPrompt(p, reviewNode, outputs)
		if err != nil {
			return errkind.Wrap(errkind.Validation, err)
		}

		reviewOutput, err := o.dispatchWithRetry(ctx, p, run, reviewNode, reviewAgent, reviewPrompt)
		if err != nil {
			return err
		}
		outputs.set(reviewNode.AgentName, reviewOutput)

		if ok, reason := passed(reviewOutput); ok {
			return nil
		} else {
			failureReason = reason
		}
	}

	return errkind.Wrap(errkind.ToolError, fmt.Errorf("remediation exhausted after %d cycles: %s", o.config.MaxRemediationCycles(), failureReason))
}

func lastDevAgent(outputs *outputSet) string {
	if _, ok := outputs.values["backend-dev"]; ok {
		return "backend-dev"
	}
	if _, ok := outputs.values["frontend-dev"]; ok {
		return "frontend-dev"
	}
	return ""
}

// autoCommitAfterDev invokes the version store's stage hook; failures
// are logged and otherwise ignored (spec.md §4.1 step 7: "best-effort;
// their failure does not fail the pipeline").
func (o *Orchestrator) autoCommitAfterDev(ctx context.Context, p RunParams, agentName string) {
	if o.versions == nil || p.ProjectPath == "" {
		return
	}
	if _, err := o.versions.AutoCommit(ctx, p.ProjectPath, fmt.Sprintf("%s changes", agentName)); err != nil {
		o.logger.Warn("auto-commit failed", "project", p.ProjectPath, "agent", agentName, "error", err)
	}
}

// buildPrompt resolves node.InputTemplate against prior outputs,
// applying upstreamSources filtering when present (spec.md §4.1
// "Merge-field resolution").
func (o *Orchestrator) buildPrompt(p RunParams, node Node, outputs *outputSet) (string, error) {
	visible := outputs.values
	if len(node.UpstreamSources) > 0 {
		visible = make(map[string]string, len(node.UpstreamSources))
		for _, src := range node.UpstreamSources {
			key := src.Alias
			if key == "" {
				key = src.SourceKey
			}
			visible[key] = outputs.values[src.SourceKey]
		}
	}

	transforms := merge.Transforms{Outputs: outputs.values, DispatchOrder: outputs.dispatchOrder, ProjectPath: p.ProjectPath}
	ctx := merge.Context{
		UserMessage: p.UserMessage,
		Outputs:     visible,
		Transform:   transforms.Dispatch,
	}
	return merge.Resolve(node.InputTemplate, ctx), nil
}

// estimateTokens is a rough chars/4 heuristic used for the pre-call
// write-ahead estimate (spec.md §4.1 step 2: "estimate inputTokens from
// prompt length").
func estimateTokens(prompt string) int64 {
	return int64(len(prompt)/4) + 1
}

func dayBoundsMs(nowMs int64) (start, end int64) {
	const dayMs = 24 * 60 * 60 * 1000
	start = (nowMs / dayMs) * dayMs
	end = start + dayMs
	return
}
