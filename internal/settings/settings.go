// Package settings exposes the orchestrator's tunable constants (spec.md
// §6 "Pipeline defaults" table) as a typed PipelineConfig backed by the
// settings store, with lazy read-through and per-key defaults — the
// systems-language replacement for the source's flat
// Record<string, number> (spec.md §9 Design Note).
package settings

import (
	"strconv"
)

// Store is the minimal read/write surface settings needs from db.Store.
type Store interface {
	GetSetting(key string) (value string, ok bool, err error)
	SetSetting(key, value string) error
	DeleteSetting(key string) error
}

// PipelineConfig reads pipeline.* keys through to the store, falling back
// to the documented default for any key that is absent or holds a
// non-numeric value. Reads never panic (spec.md §9).
type PipelineConfig struct {
	store Store
}

// NewPipelineConfig wraps a settings store.
func NewPipelineConfig(store Store) *PipelineConfig {
	return &PipelineConfig{store: store}
}

// defaults mirrors spec.md §6's "Pipeline defaults" table exactly.
var defaults = map[string]float64{
	"pipeline.maxBuildFixAttempts":     3,
	"pipeline.maxRemediationCycles":    2,
	"pipeline.buildFixMaxOutputTokens": 16000,
	"pipeline.buildFixMaxToolSteps":    10,
	"pipeline.defaultMaxOutputTokens":  8192,
	"pipeline.defaultMaxToolSteps":     10,
	"pipeline.buildTimeoutMs":          30000,
	"pipeline.testTimeoutMs":           60000,
	"pipeline.maxTestFailures":         5,
	"pipeline.maxUniqueErrors":         10,
	"pipeline.warningThreshold":        80,
	"pipeline.maxVersionsRetained":     50,
	"pipeline.maxAgentVersionsPerRun":  3,
	"pipeline.maxRetries":              3,

	"maxTokensPerChat":    0,
	"maxAgentCallsPerRun": 0,
	"maxCostPerDay":       0,
	"maxCostPerProject":   0,
}

func (c *PipelineConfig) intOf(key string) int {
	return int(c.numberOf(key))
}

func (c *PipelineConfig) numberOf(key string) float64 {
	def := defaults[key] // zero value if somehow not in the table

	raw, ok, err := c.store.GetSetting(key)
	if err != nil || !ok {
		return def
	}
	v, perr := strconv.ParseFloat(raw, 64)
	if perr != nil {
		return def
	}
	return v
}

// MaxBuildFixAttempts is the cap on build/fix remediation attempts.
func (c *PipelineConfig) MaxBuildFixAttempts() int { return c.intOf("pipeline.maxBuildFixAttempts") }

// MaxRemediationCycles bounds remediation loops after build/test failure.
func (c *PipelineConfig) MaxRemediationCycles() int { return c.intOf("pipeline.maxRemediationCycles") }

// BuildFixMaxOutputTokens bounds a remediation agent's output.
func (c *PipelineConfig) BuildFixMaxOutputTokens() int {
	return c.intOf("pipeline.buildFixMaxOutputTokens")
}

// BuildFixMaxToolSteps bounds tool-call steps during remediation.
func (c *PipelineConfig) BuildFixMaxToolSteps() int { return c.intOf("pipeline.buildFixMaxToolSteps") }

// DefaultMaxOutputTokens bounds a normal agent step's output.
func (c *PipelineConfig) DefaultMaxOutputTokens() int {
	return c.intOf("pipeline.defaultMaxOutputTokens")
}

// DefaultMaxToolSteps bounds tool-call steps for a normal agent step.
func (c *PipelineConfig) DefaultMaxToolSteps() int { return c.intOf("pipeline.defaultMaxToolSteps") }

// BuildTimeoutMsVal bounds a build-step tool invocation.
func (c *PipelineConfig) BuildTimeoutMsVal() int { return c.intOf("pipeline.buildTimeoutMs") }

// TestTimeoutMsVal bounds a test-step tool invocation.
func (c *PipelineConfig) TestTimeoutMsVal() int { return c.intOf("pipeline.testTimeoutMs") }

// MaxTestFailures bounds how many failing tests remediation will accept
// as still worth a retry before giving up.
func (c *PipelineConfig) MaxTestFailures() int { return c.intOf("pipeline.maxTestFailures") }

// MaxUniqueErrors bounds distinct compile/test errors before giving up.
func (c *PipelineConfig) MaxUniqueErrors() int { return c.intOf("pipeline.maxUniqueErrors") }

// WarningThresholdPercent is the admission-check warning band (spec.md §4.2).
func (c *PipelineConfig) WarningThresholdPercent() int { return c.intOf("pipeline.warningThreshold") }

// MaxVersionsRetained bounds the version store's retention (spec.md §4.4).
func (c *PipelineConfig) MaxVersionsRetained() int { return c.intOf("pipeline.maxVersionsRetained") }

// MaxAgentVersionsPerRun bounds auto-commits per agent within one run.
func (c *PipelineConfig) MaxAgentVersionsPerRun() int {
	return c.intOf("pipeline.maxAgentVersionsPerRun")
}

// MaxRetries bounds transient-error retries per step (spec.md §4.1 step 5).
func (c *PipelineConfig) MaxRetries() int { return c.intOf("pipeline.maxRetries") }

// AllowShellTools gates the shell tool variant (spec.md §6).
func (c *PipelineConfig) AllowShellTools() bool {
	raw, ok, err := c.store.GetSetting("pipeline.allowShellTools")
	if err != nil || !ok {
		return false
	}
	return raw == "true" || raw == "1"
}

// MaxTokensPerChat is the per-chat token limit (0 = unlimited). Spec.md
// §9's Open Question: this is compared against raw token totals, not
// cost, despite the "maxTokens" name — preserved as-is.
func (c *PipelineConfig) MaxTokensPerChat() int64 { return int64(c.numberOf("maxTokensPerChat")) }

// MaxAgentCallsPerRun caps the number of agent dispatches in a single run.
func (c *PipelineConfig) MaxAgentCallsPerRun() int { return c.intOf("maxAgentCallsPerRun") }

// MaxCostPerDay is the daily cost ceiling in USD (0 = unlimited).
func (c *PipelineConfig) MaxCostPerDay() float64 { return c.numberOf("maxCostPerDay") }

// MaxCostPerProject is the per-project cost ceiling in USD (0 = unlimited).
func (c *PipelineConfig) MaxCostPerProject() float64 { return c.numberOf("maxCostPerProject") }

// GitUserName/GitUserEmail back the version store's commit identity
// (spec.md §4.4 ensureRepo), with sensible defaults when unset.
func (c *PipelineConfig) GitUserName() string {
	if v, ok, _ := c.store.GetSetting("git.user.name"); ok && v != "" {
		return v
	}
	return "agent-pipeline"
}

func (c *PipelineConfig) GitUserEmail() string {
	if v, ok, _ := c.store.GetSetting("git.user.email"); ok && v != "" {
		return v
	}
	return "agent-pipeline@localhost"
}

// AgentOverride resolves an agent.<name>.<field> override, or "" if unset.
func (c *PipelineConfig) AgentOverride(agentName, field string) string {
	v, ok, err := c.store.GetSetting("agent." + agentName + "." + field)
	if err != nil || !ok {
		return ""
	}
	return v
}
