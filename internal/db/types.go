package db

// Role enumerates message authorship (spec.md §3).
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ExecutionStatus enumerates AgentExecution.status (spec.md §3).
type ExecutionStatus string

const (
	ExecPending  ExecutionStatus = "pending"
	ExecRunning  ExecutionStatus = "running"
	ExecDone     ExecutionStatus = "completed"
	ExecFailed   ExecutionStatus = "failed"
	ExecRetrying ExecutionStatus = "retrying"
	ExecStopped  ExecutionStatus = "stopped"
)

// Intent enumerates PipelineRun.intent (spec.md §3).
type Intent string

const (
	IntentBuild    Intent = "build"
	IntentFix      Intent = "fix"
	IntentQuestion Intent = "question"
)

// Scope enumerates PipelineRun.scope (spec.md §3).
type Scope string

const (
	ScopeFrontend Scope = "frontend"
	ScopeBackend  Scope = "backend"
	ScopeStyling  Scope = "styling"
	ScopeFull     Scope = "full"
)

// RunStatus enumerates PipelineRun.status (spec.md §3).
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

// Project is a CRUD entity owned externally; the core only reads it and
// cascades chat deletion from it (spec.md §3).
type Project struct {
	ID        string
	Name      string
	Path      string
	CreatedAt int64
	UpdatedAt int64
}

// Chat belongs to exactly one project.
type Chat struct {
	ID        string
	ProjectID string
	Title     string
	CreatedAt int64
	UpdatedAt int64
}

// Message is an append-only row ordered by CreatedAt within a chat.
type Message struct {
	ID        string
	ChatID    string
	Role      Role
	Content   string
	AgentName string
	Metadata  string
	CreatedAt int64
}

// PipelineRun is one execution of a classified user request (spec.md §3).
type PipelineRun struct {
	ID            string
	ChatID        string
	Intent        Intent
	Scope         Scope
	UserMessage   string
	PlannedAgents []string
	Status        RunStatus
	Reason        string
	StartedAt     int64
	CompletedAt   int64 // 0 if not completed
}

// AgentExecution is one agent invocation within a pipeline run.
type AgentExecution struct {
	ID          string
	RunID       string
	ChatID      string
	AgentName   string
	Status      ExecutionStatus
	Input       string
	Output      string
	Error       string
	RetryCount  int
	StartedAt   int64
	CompletedAt int64 // 0 if not completed
}

// TokenUsageRecord is the operational per-execution accounting row,
// deleted when its chat is deleted (spec.md §3).
type TokenUsageRecord struct {
	ID                       string
	ExecutionID              string
	ChatID                   string
	Provider                 string
	Model                    string
	APIKeyHash               string
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
	TotalTokens              int64
	CostEstimate             float64
	Estimated                bool
	CreatedAt                int64
}

// BillingLedgerEntry is the permanent, denormalized, foreign-key-free
// twin of TokenUsageRecord (spec.md §3).
type BillingLedgerEntry struct {
	ID                       string
	ExecutionID              string
	ChatID                   string
	ProjectID                string
	ProjectName              string
	ChatTitle                string
	Provider                 string
	Model                    string
	APIKeyHash               string
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
	TotalTokens              int64
	CostEstimate             float64
	Estimated                bool
	CreatedAt                int64
}

// AuditEventType enumerates audit_log.event_type.
type AuditEventType string

const (
	AuditPromptSent      AuditEventType = "prompt_sent"
	AuditResponseReceived AuditEventType = "response_received"
	AuditToolCall        AuditEventType = "tool_call"
	AuditError           AuditEventType = "error"
)

// AuditEntry records one observable event of an agent execution, used to
// keep full prompts/responses out of error messages (spec.md §7) while
// still making them available for troubleshooting.
type AuditEntry struct {
	ID          string
	RunID       string
	ExecutionID string
	AgentName   string
	EventType   AuditEventType
	EventData   string
	TokenInput  int
	TokenOutput int
	DurationMs  int
	CreatedAt   int64
}
