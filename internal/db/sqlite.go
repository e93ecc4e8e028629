// Package db provides SQLite-based persistence for the pipeline core:
// projects, chats, messages, agent executions, pipeline runs, the
// operational token-usage table, the permanent billing ledger, and the
// app-settings registry.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates a SQLite database at the given path, enabling WAL
// journaling and foreign-key enforcement (spec.md §5), and runs any
// pending migrations.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	d := &DB{DB: sqlDB, path: dbPath}

	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return d, nil
}

// Path returns the filesystem path the database was opened from.
func (d *DB) Path() string { return d.path }

func (d *DB) migrate() error {
	_, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var version int
	row := d.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration1},
		{2, migration2},
		{3, migration3},
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := d.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := d.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}

	return nil
}

// Migration 1: core CRUD tables (projects/chats/messages/pipeline_runs/
// agent_executions) plus the settings registry.
const migration1 = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chats (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chats_project ON chats(project_id);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	agent_name TEXT,
	metadata TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	intent TEXT NOT NULL,
	scope TEXT NOT NULL,
	user_message TEXT NOT NULL,
	planned_agents TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT,
	started_at INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_chat ON pipeline_runs(chat_id, started_at);

CREATE TABLE IF NOT EXISTS agent_executions (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	agent_name TEXT NOT NULL,
	status TEXT NOT NULL,
	input TEXT NOT NULL,
	output TEXT,
	error TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_executions_run ON agent_executions(run_id);
CREATE INDEX IF NOT EXISTS idx_executions_chat ON agent_executions(chat_id);

CREATE TABLE IF NOT EXISTS execution_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL REFERENCES agent_executions(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	note TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exec_history ON execution_history(execution_id);

CREATE TABLE IF NOT EXISTS app_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Migration 2: the token ledger (operational + permanent) — see
// internal/billing. billing_ledger intentionally carries no foreign
// keys (spec.md §3 invariant: survives chat/project deletion).
const migration2 = `
CREATE TABLE IF NOT EXISTS token_usage (
	id TEXT PRIMARY KEY,
	execution_id TEXT REFERENCES agent_executions(id) ON DELETE CASCADE,
	chat_id TEXT REFERENCES chats(id) ON DELETE CASCADE,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	api_key_hash TEXT,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_creation_input_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_input_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cost_estimate REAL NOT NULL DEFAULT 0,
	estimated INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_usage_chat ON token_usage(chat_id);
CREATE INDEX IF NOT EXISTS idx_token_usage_execution ON token_usage(execution_id);
CREATE INDEX IF NOT EXISTS idx_token_usage_estimated ON token_usage(estimated);

CREATE TABLE IF NOT EXISTS billing_ledger (
	id TEXT PRIMARY KEY,
	execution_id TEXT,
	chat_id TEXT,
	project_id TEXT,
	project_name TEXT,
	chat_title TEXT,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	api_key_hash TEXT,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_creation_input_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_input_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cost_estimate REAL NOT NULL DEFAULT 0,
	estimated INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_billing_project ON billing_ledger(project_id);
CREATE INDEX IF NOT EXISTS idx_billing_created ON billing_ledger(created_at);
`

// Migration 3: audit log (prompt/response/tool-call/error events, a
// structured snapshots table per the Design Note's Open Question on
// chat deletion semantics).
const migration3 = `
CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	run_id TEXT,
	execution_id TEXT,
	agent_name TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data TEXT,
	token_input INTEGER NOT NULL DEFAULT 0,
	token_output INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_execution ON audit_log(execution_id);

CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	chat_id TEXT,
	sha TEXT NOT NULL,
	manifest TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_project ON snapshots(project_id);
`
