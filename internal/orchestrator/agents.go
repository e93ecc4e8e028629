package orchestrator

// AgentDefault is an agent's provider/model/system-prompt before any
// agent.<name>.* setting override is applied (spec.md §6).
type AgentDefault struct {
	Provider     string
	Model        string
	SystemPrompt string
}

// defaultAgents seeds every built-in template agent with a reasonable
// provider/model pairing and a short role-specific system prompt, the
// systems-language analogue of the teacher's per-agent-type prompt
// files under its prompts/ directory (agents/spawner.go renderPrompt).
var defaultAgents = map[string]AgentDefault{
	"classifier": {
		Provider:     "anthropic",
		Model:        "claude-3-5-haiku-20241022",
		SystemPrompt: classifierSystemPrompt,
	},
	"research": {
		Provider:     "anthropic",
		Model:        "claude-3-5-haiku-20241022",
		SystemPrompt: "You investigate the request and the current project source, and report findings concisely.",
	},
	"architect": {
		Provider:     "anthropic",
		Model:        "claude-sonnet-4-20250514",
		SystemPrompt: "You turn research findings into a concrete implementation plan, including a design_system JSON block when UI is involved.",
	},
	"frontend-dev": {
		Provider:     "anthropic",
		Model:        "claude-sonnet-4-20250514",
		SystemPrompt: "You implement frontend changes. Emit a write_file tool call JSON line for every file you create or modify.",
	},
	"backend-dev": {
		Provider:     "anthropic",
		Model:        "claude-sonnet-4-20250514",
		SystemPrompt: "You implement backend changes. Emit a write_file tool call JSON line for every file you create or modify.",
	},
	"code-review": {
		Provider:     "anthropic",
		Model:        "claude-3-5-haiku-20241022",
		SystemPrompt: "You review the changed files and report a structured pass/fail verdict with any issues found.",
	},
}

// devAgents names the agents whose successful completion triggers the
// auto-commit stage hook (spec.md §4.1 step 7: "after a developer agent
// successfully writes files").
var devAgents = map[string]bool{
	"frontend-dev": true,
	"backend-dev":  true,
}

// resolveAgent applies agent.<name>.<provider|model|prompt> overrides
// over the built-in defaults.
func resolveAgent(config interface {
	AgentOverride(agentName, field string) string
}, agentName string) AgentDefault {
	d, ok := defaultAgents[agentName]
	if !ok {
		d = AgentDefault{Provider: "anthropic", Model: "claude-3-5-haiku-20241022"}
	}
	if v := config.AgentOverride(agentName, "provider"); v != "" {
		d.Provider = v
	}
	if v := config.AgentOverride(agentName, "model"); v != "" {
		d.Model = v
	}
	if v := config.AgentOverride(agentName, "prompt"); v != "" {
		d.SystemPrompt = v
	}
	return d
}
