// Package billing implements the write-ahead token/billing ledger and
// cost limiter of spec.md §4.2: atomic dual-table writes, provisional
// estimation ahead of a model call, post-hoc reconciliation, and
// admission checks against per-chat/day/project limits.
package billing

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/arctek/agentforge/internal/db"
	"github.com/arctek/agentforge/internal/errkind"
	"github.com/arctek/agentforge/internal/pricing"
)

// TrackParams describes one finalized (non-provisional) usage event.
type TrackParams struct {
	ExecutionID string
	ChatID      string
	ProjectID   string
	ProjectName string
	ChatTitle   string
	Provider    string
	Model       string
	APIKeyHash  string
	Input       int64
	Output      int64
	CacheCreate int64
	CacheRead   int64
	NowMs       int64
}

// ProvisionalParams describes a pre-call estimate (spec.md §4.1 step 2).
type ProvisionalParams struct {
	ExecutionID      string
	ChatID           string
	ProjectID        string
	ProjectName      string
	ChatTitle        string
	Provider         string
	Model            string
	APIKeyHash       string
	EstimatedInput   int64
	NowMs            int64
}

// Ids is the pair of row ids returned by TrackProvisional, threaded
// through to Finalize or Void.
type Ids struct {
	UsageID  string
	LedgerID string
}

// Ledger implements the dual-write accounting subsystem.
type Ledger struct {
	store   *db.Store
	pricing *pricing.Engine
}

// NewLedger builds a Ledger over a store and pricing engine.
func NewLedger(store *db.Store, pricingEngine *pricing.Engine) *Ledger {
	return &Ledger{store: store, pricing: pricingEngine}
}

// Track computes cost and inserts both the operational and permanent
// rows in a single transaction with estimated=0 (spec.md §4.2).
func (l *Ledger) Track(p TrackParams) (Ids, error) {
	cost, err := l.pricing.CostOf(p.Provider, p.Model, p.Input, p.Output, p.CacheCreate, p.CacheRead)
	if err != nil {
		return Ids{}, fmt.Errorf("failed to price usage: %w", err)
	}
	total := p.Input + p.Output + p.CacheCreate + p.CacheRead

	usageID := uuid.New().String()
	ledgerID := uuid.New().String()

	err = l.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(insertUsageSQL,
			usageID, p.ExecutionID, p.ChatID, p.Provider, p.Model, p.APIKeyHash,
			p.Input, p.Output, p.CacheCreate, p.CacheRead, total, cost, 0, p.NowMs); err != nil {
			return fmt.Errorf("failed to insert token_usage: %w", err)
		}
		if _, err := tx.Exec(insertLedgerSQL,
			ledgerID, p.ExecutionID, p.ChatID, p.ProjectID, p.ProjectName, p.ChatTitle,
			p.Provider, p.Model, p.APIKeyHash,
			p.Input, p.Output, p.CacheCreate, p.CacheRead, total, cost, 0, p.NowMs); err != nil {
			return fmt.Errorf("failed to insert billing_ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		return Ids{}, errkind.Wrap(errkind.StorageConflict, err)
	}
	return Ids{UsageID: usageID, LedgerID: ledgerID}, nil
}

// TrackProvisional estimates outputTokens ~= 0.3 * estimatedInputTokens
// and writes both rows with estimated=1 (spec.md §4.2).
func (l *Ledger) TrackProvisional(p ProvisionalParams) (Ids, error) {
	estimatedOutput := int64(float64(p.EstimatedInput) * 0.3)

	cost, err := l.pricing.CostOf(p.Provider, p.Model, p.EstimatedInput, estimatedOutput, 0, 0)
	if err != nil {
		return Ids{}, fmt.Errorf("failed to price provisional usage: %w", err)
	}
	total := p.EstimatedInput + estimatedOutput

	usageID := uuid.New().String()
	ledgerID := uuid.New().String()

	err = l.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(insertUsageSQL,
			usageID, p.ExecutionID, p.ChatID, p.Provider, p.Model, p.APIKeyHash,
			p.EstimatedInput, estimatedOutput, 0, 0, total, cost, 1, p.NowMs); err != nil {
			return fmt.Errorf("failed to insert provisional token_usage: %w", err)
		}
		if _, err := tx.Exec(insertLedgerSQL,
			ledgerID, p.ExecutionID, p.ChatID, p.ProjectID, p.ProjectName, p.ChatTitle,
			p.Provider, p.Model, p.APIKeyHash,
			p.EstimatedInput, estimatedOutput, 0, 0, total, cost, 1, p.NowMs); err != nil {
			return fmt.Errorf("failed to insert provisional billing_ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		return Ids{}, errkind.Wrap(errkind.StorageConflict, err)
	}
	return Ids{UsageID: usageID, LedgerID: ledgerID}, nil
}

// ActualUsage is the observed usage returned by a model call.
type ActualUsage struct {
	Input       int64
	Output      int64
	CacheCreate int64
	CacheRead   int64
}

// Finalize recomputes cost from actual usage and updates both rows in
// one transaction, clearing estimated (spec.md §4.2).
func (l *Ledger) Finalize(ids Ids, actual ActualUsage, provider, model string) error {
	cost, err := l.pricing.CostOf(provider, model, actual.Input, actual.Output, actual.CacheCreate, actual.CacheRead)
	if err != nil {
		return fmt.Errorf("failed to price actual usage: %w", err)
	}
	total := actual.Input + actual.Output + actual.CacheCreate + actual.CacheRead

	err = l.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(updateUsageSQL,
			provider, model, actual.Input, actual.Output, actual.CacheCreate, actual.CacheRead, total, cost, ids.UsageID); err != nil {
			return fmt.Errorf("failed to update token_usage: %w", err)
		}
		if _, err := tx.Exec(updateLedgerSQL,
			provider, model, actual.Input, actual.Output, actual.CacheCreate, actual.CacheRead, total, cost, ids.LedgerID); err != nil {
			return fmt.Errorf("failed to update billing_ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		return errkind.Wrap(errkind.StorageConflict, err)
	}
	return nil
}

// Void deletes both rows for a provisional pair that never consumed any
// tokens (spec.md §4.2).
func (l *Ledger) Void(ids Ids) error {
	err := l.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM token_usage WHERE id = ?`, ids.UsageID); err != nil {
			return fmt.Errorf("failed to delete token_usage: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM billing_ledger WHERE id = ?`, ids.LedgerID); err != nil {
			return fmt.Errorf("failed to delete billing_ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		return errkind.Wrap(errkind.StorageConflict, err)
	}
	return nil
}

// TrackBillingOnly records system-only spend (e.g. API-key validation)
// with no owning execution — only the permanent ledger is written
// (spec.md §3 invariant exception, §4.2).
func (l *Ledger) TrackBillingOnly(p TrackParams) (string, error) {
	cost, err := l.pricing.CostOf(p.Provider, p.Model, p.Input, p.Output, p.CacheCreate, p.CacheRead)
	if err != nil {
		return "", fmt.Errorf("failed to price billing-only usage: %w", err)
	}
	total := p.Input + p.Output + p.CacheCreate + p.CacheRead
	ledgerID := uuid.New().String()

	_, err = l.store.DB().Exec(insertLedgerSQL,
		ledgerID, nullStr(p.ExecutionID), nullStr(p.ChatID), nullStr(p.ProjectID), nullStr(p.ProjectName), nullStr(p.ChatTitle),
		p.Provider, p.Model, p.APIKeyHash,
		p.Input, p.Output, p.CacheCreate, p.CacheRead, total, cost, 0, p.NowMs)
	if err != nil {
		return "", fmt.Errorf("failed to insert billing-only ledger row: %w", err)
	}
	return ledgerID, nil
}

// SweepOrphans clears estimated=1 on every remaining provisional row at
// startup (a crash between TrackProvisional and Finalize leaves these
// behind). It never deletes rows — the estimate is the best-available
// record (spec.md §4.2).
func (l *Ledger) SweepOrphans() (int, error) {
	res, err := l.store.DB().Exec(`UPDATE token_usage SET estimated = 0 WHERE estimated = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep token_usage orphans: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := l.store.DB().Exec(`UPDATE billing_ledger SET estimated = 0 WHERE estimated = 1`); err != nil {
		return 0, fmt.Errorf("failed to sweep billing_ledger orphans: %w", err)
	}

	return int(n), nil
}

func (l *Ledger) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := l.store.DB().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

const insertUsageSQL = `
	INSERT INTO token_usage (
		id, execution_id, chat_id, provider, model, api_key_hash,
		input_tokens, output_tokens, cache_creation_input_tokens, cache_read_input_tokens,
		total_tokens, cost_estimate, estimated, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const insertLedgerSQL = `
	INSERT INTO billing_ledger (
		id, execution_id, chat_id, project_id, project_name, chat_title,
		provider, model, api_key_hash,
		input_tokens, output_tokens, cache_creation_input_tokens, cache_read_input_tokens,
		total_tokens, cost_estimate, estimated, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const updateUsageSQL = `
	UPDATE token_usage SET
		provider = ?, model = ?,
		input_tokens = ?, output_tokens = ?, cache_creation_input_tokens = ?, cache_read_input_tokens = ?,
		total_tokens = ?, cost_estimate = ?, estimated = 0
	WHERE id = ?
`

const updateLedgerSQL = `
	UPDATE billing_ledger SET
		provider = ?, model = ?,
		input_tokens = ?, output_tokens = ?, cache_creation_input_tokens = ?, cache_read_input_tokens = ?,
		total_tokens = ?, cost_estimate = ?, estimated = 0
	WHERE id = ?
`
