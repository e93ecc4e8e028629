package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// Store implements persistence for every entity in spec.md §3 on top of a
// single *DB connection, following the teacher's flat-SQL, no-ORM style
// (internal/db/store.go in the teacher repo).
type Store struct {
	db *DB
}

// NewStore creates a new SQLite-backed store.
func NewStore(d *DB) *Store {
	return &Store{db: d}
}

// DB exposes the underlying connection for components (billing, version
// store) that need to run their own transactions against these tables.
func (s *Store) DB() *DB { return s.db }

// --- Projects (CRUD surface is external; the core only reads these) ---

// CreateProject inserts a project row. The full project CRUD surface
// (rename, path migration, etc.) lives outside the core; this exists so
// tests and the version store have something concrete to read.
func (s *Store) CreateProject(p *Project) error {
	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Path, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by id.
func (s *Store) GetProject(id string) (*Project, error) {
	row := s.db.QueryRow(`SELECT id, name, path, created_at, updated_at FROM projects WHERE id = ?`, id)
	p := &Project{}
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// --- Chats / Messages ---

// CreateChat inserts a new chat row.
func (s *Store) CreateChat(c *Chat) error {
	_, err := s.db.Exec(`
		INSERT INTO chats (id, project_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.ProjectID, c.Title, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create chat: %w", err)
	}
	return nil
}

// GetChat retrieves a chat by id.
func (s *Store) GetChat(id string) (*Chat, error) {
	row := s.db.QueryRow(`SELECT id, project_id, title, created_at, updated_at FROM chats WHERE id = ?`, id)
	c := &Chat{}
	if err := row.Scan(&c.ID, &c.ProjectID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return c, nil
}

// DeleteChat removes a chat and everything FK-cascaded from it
// (messages, agent_executions, pipeline_runs, token_usage), but leaves
// billing_ledger rows untouched and nullifies snapshots.chat_id instead
// of deleting those rows (spec.md §3 invariant, §9 Open Question).
func (s *Store) DeleteChat(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete-chat tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`UPDATE snapshots SET chat_id = NULL WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("failed to nullify snapshots: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM chats WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}

	return tx.Commit()
}

// AppendMessage inserts an append-only message row.
func (s *Store) AppendMessage(m *Message) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (id, chat_id, role, content, agent_name, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ChatID, string(m.Role), m.Content, nullIfEmpty(m.AgentName), nullIfEmpty(m.Metadata), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListMessages returns a chat's messages ordered by creation time.
func (s *Store) ListMessages(chatID string) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, role, content, agent_name, metadata, created_at
		FROM messages WHERE chat_id = ? ORDER BY created_at ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		var agent, meta sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &agent, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.AgentName = agent.String
		m.Metadata = meta.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Pipeline runs ---

// CreatePipelineRun inserts a new run with its planned agent list fixed
// (spec.md §3 invariant: plannedAgents never changes after planning).
func (s *Store) CreatePipelineRun(r *PipelineRun) error {
	planned, _ := json.Marshal(r.PlannedAgents)
	_, err := s.db.Exec(`
		INSERT INTO pipeline_runs (id, chat_id, intent, scope, user_message, planned_agents, status, reason, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ChatID, string(r.Intent), string(r.Scope), r.UserMessage, string(planned), string(r.Status), nullIfEmpty(r.Reason), r.StartedAt, nullIfZero(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create pipeline run: %w", err)
	}
	return nil
}

// UpdateRunStatus transitions a run to a terminal or intermediate state.
func (s *Store) UpdateRunStatus(id string, status RunStatus, reason string, completedAt int64) error {
	_, err := s.db.Exec(`
		UPDATE pipeline_runs SET status = ?, reason = ?, completed_at = ? WHERE id = ?
	`, string(status), nullIfEmpty(reason), nullIfZero(completedAt), id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

// SweepStuckRuns marks every run left in status=running as interrupted
// (a crash mid-run leaves these behind, and LatestRunForChat treats a
// running row as an active lock, permanently blocking that chat). It
// also fails any agent_executions row still running under one of those
// runs, for the same reason.
func (s *Store) SweepStuckRuns(nowMs int64) (int, error) {
	res, err := s.db.Exec(`
		UPDATE pipeline_runs SET status = ?, reason = ?, completed_at = ? WHERE status = ?
	`, string(RunInterrupted), "stale_on_startup", nowMs, string(RunRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stuck pipeline runs: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := s.db.Exec(`
		UPDATE agent_executions SET status = ?, error = ?, completed_at = ? WHERE status = ?
	`, string(ExecFailed), "stale_on_startup", nowMs, string(ExecRunning)); err != nil {
		return 0, fmt.Errorf("failed to sweep stuck agent executions: %w", err)
	}

	return int(n), nil
}

// GetPipelineRun retrieves a run by id.
func (s *Store) GetPipelineRun(id string) (*PipelineRun, error) {
	row := s.db.QueryRow(`
		SELECT id, chat_id, intent, scope, user_message, planned_agents, status, reason, started_at, completed_at
		FROM pipeline_runs WHERE id = ?
	`, id)
	return scanRun(row)
}

// LatestRunForChat returns the most recently started run for a chat, if
// any, used to enforce "a new run is blocked until the prior one reaches
// a terminal state" (spec.md §4.1 Ordering guarantees).
func (s *Store) LatestRunForChat(chatID string) (*PipelineRun, error) {
	row := s.db.QueryRow(`
		SELECT id, chat_id, intent, scope, user_message, planned_agents, status, reason, started_at, completed_at
		FROM pipeline_runs WHERE chat_id = ? ORDER BY started_at DESC LIMIT 1
	`, chatID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func scanRun(row *sql.Row) (*PipelineRun, error) {
	r := &PipelineRun{}
	var planned string
	var reason sql.NullString
	var completedAt sql.NullInt64
	if err := row.Scan(&r.ID, &r.ChatID, &r.Intent, &r.Scope, &r.UserMessage, &planned, &r.Status, &reason, &r.StartedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to scan pipeline run: %w", err)
	}
	_ = json.Unmarshal([]byte(planned), &r.PlannedAgents)
	r.Reason = reason.String
	r.CompletedAt = completedAt.Int64
	return r, nil
}

// --- Agent executions ---

// CreateExecution inserts a new execution row in status pending/running.
func (s *Store) CreateExecution(e *AgentExecution) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_executions (id, run_id, chat_id, agent_name, status, input, output, error, retry_count, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.RunID, e.ChatID, e.AgentName, string(e.Status), e.Input, nullIfEmpty(e.Output), nullIfEmpty(e.Error), e.RetryCount, e.StartedAt, nullIfZero(e.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return s.addHistory(e.ID, string(e.Status), "created")
}

// UpdateExecution persists a status/output/error transition and appends
// a history row, mirroring the teacher's append-only ticket history
// (kanban/state.go AddHistory).
func (s *Store) UpdateExecution(e *AgentExecution, note string) error {
	_, err := s.db.Exec(`
		UPDATE agent_executions SET status = ?, output = ?, error = ?, retry_count = ?, completed_at = ?
		WHERE id = ?
	`, string(e.Status), nullIfEmpty(e.Output), nullIfEmpty(e.Error), e.RetryCount, nullIfZero(e.CompletedAt), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	return s.addHistory(e.ID, string(e.Status), note)
}

func (s *Store) addHistory(executionID, status, note string) error {
	_, err := s.db.Exec(`
		INSERT INTO execution_history (execution_id, status, note, created_at)
		VALUES (?, ?, ?, strftime('%s','now') * 1000)
	`, executionID, status, nullIfEmpty(note))
	if err != nil {
		return fmt.Errorf("failed to add execution history: %w", err)
	}
	return nil
}

// ListExecutions returns every execution for a run, in dispatch order.
func (s *Store) ListExecutions(runID string) ([]*AgentExecution, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, chat_id, agent_name, status, input, output, error, retry_count, started_at, completed_at
		FROM agent_executions WHERE run_id = ? ORDER BY started_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*AgentExecution
	for rows.Next() {
		e, err := scanExecutionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecutionRow(r rowScanner) (*AgentExecution, error) {
	e := &AgentExecution{}
	var output, errStr sql.NullString
	var completedAt sql.NullInt64
	if err := r.Scan(&e.ID, &e.RunID, &e.ChatID, &e.AgentName, &e.Status, &e.Input, &output, &errStr, &e.RetryCount, &e.StartedAt, &completedAt); err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	e.Output = output.String
	e.Error = errStr.String
	e.CompletedAt = completedAt.Int64
	return e, nil
}

// --- Audit log ---

// AddAuditEntry records one observable event (spec.md §7: prompts never
// surface in error messages, only here).
func (s *Store) AddAuditEntry(entry *AuditEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_log (id, run_id, execution_id, agent_name, event_type, event_data, token_input, token_output, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, nullIfEmpty(entry.RunID), nullIfEmpty(entry.ExecutionID), entry.AgentName, string(entry.EventType),
		nullIfEmpty(entry.EventData), entry.TokenInput, entry.TokenOutput, entry.DurationMs, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add audit entry: %w", err)
	}
	return nil
}

// --- Billing aggregates (read surface for internal/billing.Limiter) ---

// SumChatTokens returns total tokens recorded for a chat, including
// provisional rows (spec.md §4.2: per-chat limit is token-based and does
// not exclude provisional rows).
func (s *Store) SumChatTokens(chatID string) (int64, error) {
	var total sql.NullInt64
	row := s.db.QueryRow(`SELECT SUM(total_tokens) FROM token_usage WHERE chat_id = ?`, chatID)
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum chat tokens: %w", err)
	}
	return total.Int64, nil
}

// SumDailyCost returns non-provisional ledger cost in [dayStartMs, dayEndMs).
func (s *Store) SumDailyCost(dayStartMs, dayEndMs int64) (float64, error) {
	var total sql.NullFloat64
	row := s.db.QueryRow(`
		SELECT SUM(cost_estimate) FROM billing_ledger
		WHERE estimated = 0 AND created_at >= ? AND created_at < ?
	`, dayStartMs, dayEndMs)
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum daily cost: %w", err)
	}
	return total.Float64, nil
}

// SumProjectCost returns a project's total non-provisional ledger cost.
func (s *Store) SumProjectCost(projectID string) (float64, error) {
	var total sql.NullFloat64
	row := s.db.QueryRow(`
		SELECT SUM(cost_estimate) FROM billing_ledger
		WHERE estimated = 0 AND project_id = ?
	`, projectID)
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum project cost: %w", err)
	}
	return total.Float64, nil
}

// --- Settings ---

// GetSetting reads a raw setting value. ok is false if the key is unset.
func (s *Store) GetSetting(key string) (value string, ok bool, err error) {
	row := s.db.QueryRow(`SELECT value FROM app_settings WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read setting %q: %w", key, err)
	}
	return value, true, nil
}

// SetSetting upserts a raw setting value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO app_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %q: %w", key, err)
	}
	return nil
}

// DeleteSetting removes an override, falling back to whatever default
// the caller applies when absent.
func (s *Store) DeleteSetting(key string) error {
	_, err := s.db.Exec(`DELETE FROM app_settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting %q: %w", key, err)
	}
	return nil
}

// ListSettingsByPrefix returns every key/value pair whose key starts with
// prefix, used by the pricing engine to enumerate overrides.
func (s *Store) ListSettingsByPrefix(prefix string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM app_settings WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list settings with prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
