package billing

import "fmt"

// Decision is the result of an admission check (spec.md §4.2).
type Decision struct {
	Allowed bool
	Warning bool
	Limit   float64
	Current float64
	Reason  string
}

// LimiterStore is the read surface the cost limiter needs.
type LimiterStore interface {
	// SumChatTokens returns the total tokens recorded for a chat,
	// including provisional rows (per-chat uses tokens, not cost, and
	// does not exclude provisional rows — spec.md §4.2).
	SumChatTokens(chatID string) (int64, error)
	// SumDailyCost returns today's non-provisional ledger cost.
	SumDailyCost(dayStartMs, dayEndMs int64) (float64, error)
	// SumProjectCost returns a project's total non-provisional ledger cost.
	SumProjectCost(projectID string) (float64, error)
}

// Config is the subset of settings.PipelineConfig the limiter reads.
type Config interface {
	MaxTokensPerChat() int64
	MaxCostPerDay() float64
	MaxCostPerProject() float64
	WarningThresholdPercent() int
}

// Limiter implements checkPerChat/checkDaily/checkProject (spec.md §4.2).
type Limiter struct {
	store  LimiterStore
	config Config
}

// NewLimiter builds a cost limiter over a store and config.
func NewLimiter(store LimiterStore, config Config) *Limiter {
	return &Limiter{store: store, config: config}
}

// CheckPerChat enforces the per-chat token limit (0 = unlimited).
func (l *Limiter) CheckPerChat(chatID string) (Decision, error) {
	limit := l.config.MaxTokensPerChat()
	if limit == 0 {
		return Decision{Allowed: true}, nil
	}

	used, err := l.store.SumChatTokens(chatID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to sum chat tokens: %w", err)
	}

	d := Decision{
		Allowed: used < limit,
		Limit:   float64(limit),
		Current: float64(used),
	}
	d.Warning = warningBand(float64(used), float64(limit), l.config.WarningThresholdPercent())
	if !d.Allowed {
		d.Reason = fmt.Sprintf("chat token limit exceeded: %d/%d", used, limit)
	}
	return d, nil
}

// CheckDaily enforces the daily cost ceiling, excluding provisional rows.
func (l *Limiter) CheckDaily(dayStartMs, dayEndMs int64) (Decision, error) {
	limit := l.config.MaxCostPerDay()
	if limit == 0 {
		return Decision{Allowed: true}, nil
	}

	spent, err := l.store.SumDailyCost(dayStartMs, dayEndMs)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to sum daily cost: %w", err)
	}

	d := Decision{
		Allowed: spent < limit,
		Limit:   limit,
		Current: spent,
	}
	d.Warning = warningBand(spent, limit, l.config.WarningThresholdPercent())
	if !d.Allowed {
		d.Reason = fmt.Sprintf("daily cost limit exceeded: %.4f/%.4f", spent, limit)
	}
	return d, nil
}

// CheckProject enforces the per-project cost ceiling, excluding
// provisional rows.
func (l *Limiter) CheckProject(projectID string) (Decision, error) {
	limit := l.config.MaxCostPerProject()
	if limit == 0 {
		return Decision{Allowed: true}, nil
	}

	spent, err := l.store.SumProjectCost(projectID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to sum project cost: %w", err)
	}

	d := Decision{
		Allowed: spent < limit,
		Limit:   limit,
		Current: spent,
	}
	d.Warning = warningBand(spent, limit, l.config.WarningThresholdPercent())
	if !d.Allowed {
		d.Reason = fmt.Sprintf("project cost limit exceeded: %.4f/%.4f", spent, limit)
	}
	return d, nil
}

// warningBand reports whether current has crossed thresholdPercent% of
// limit but has not yet reached it (spec.md §8 boundary behavior:
// usage >= 80% and < 100% of limit -> warning=true, allowed=true).
func warningBand(current, limit float64, thresholdPercent int) bool {
	if limit <= 0 {
		return false
	}
	band := limit * float64(thresholdPercent) / 100
	return current >= band && current < limit
}
