package orchestrator

import "github.com/arctek/agentforge/internal/db"

// UpstreamSource narrows a node's visible ancestor outputs to a
// specific, possibly renamed and transformed, subset (spec.md §4.1).
type UpstreamSource struct {
	SourceKey string
	Alias     string
	Transform string // "", "raw", "design-system", "file-manifest", "project-source"
}

// Node is one step of a plan: an agent to invoke and the template used
// to build its user prompt.
type Node struct {
	AgentName       string
	InputTemplate   string
	UpstreamSources []UpstreamSource
}

// Template is an ordered list of nodes produced for one (intent, scope)
// pair, or loaded from a user-selected flow (spec.md §4.1 "Planning").
type Template struct {
	Name  string
	Nodes []Node
}

// builtinTemplates maps intent to its default node list. Scope
// (frontend/backend/styling/full) narrows which nodes run; a node list
// is filtered by scope at plan time rather than having one template per
// (intent, scope) pair, since the agent set only varies by inclusion,
// not by ordering.
var builtinTemplates = map[db.Intent]Template{
	db.IntentBuild: {
		Name: "build",
		Nodes: []Node{
			{AgentName: "research", InputTemplate: "{{userMessage}}"},
			{AgentName: "architect", InputTemplate: "Research findings:\n{{output:research}}\n\nRequest: {{userMessage}}"},
			{AgentName: "frontend-dev", InputTemplate: "{{transform:design-system}}\n\nPlan:\n{{output:architect}}\n\nRequest: {{userMessage}}"},
			{AgentName: "backend-dev", InputTemplate: "Plan:\n{{output:architect}}\n\nRequest: {{userMessage}}"},
			{AgentName: "code-review", InputTemplate: "Files changed:\n{{transform:file-manifest}}\n\nPlan:\n{{output:architect}}"},
		},
	},
	db.IntentFix: {
		Name: "fix",
		Nodes: []Node{
			{AgentName: "research", InputTemplate: "Bug report: {{userMessage}}\n\nProject source:\n{{transform:project-source}}"},
			{AgentName: "frontend-dev", InputTemplate: "Diagnosis:\n{{output:research}}\n\nBug report: {{userMessage}}"},
			{AgentName: "backend-dev", InputTemplate: "Diagnosis:\n{{output:research}}\n\nBug report: {{userMessage}}"},
			{AgentName: "code-review", InputTemplate: "Files changed:\n{{transform:file-manifest}}\n\nDiagnosis:\n{{output:research}}"},
		},
	},
	db.IntentQuestion: {
		Name: "question",
		Nodes: []Node{
			{AgentName: "research", InputTemplate: "Question: {{userMessage}}\n\nProject source:\n{{transform:project-source}}"},
		},
	},
}

// scopeAgents restricts which agent names apply to a narrower scope.
// Scope full runs every node in the template unfiltered.
var scopeAgents = map[db.Scope]map[string]bool{
	db.ScopeFrontend: {"research": true, "architect": true, "frontend-dev": true, "code-review": true},
	db.ScopeBackend:  {"research": true, "architect": true, "backend-dev": true, "code-review": true},
	db.ScopeStyling:  {"research": true, "frontend-dev": true, "code-review": true},
}

// Plan returns the ordered node list for intent/scope, mirroring
// spec.md §4.1: "a template ... produces the ordered node list."
func Plan(intent db.Intent, scope db.Scope) []Node {
	tmpl, ok := builtinTemplates[intent]
	if !ok {
		tmpl = builtinTemplates[db.IntentQuestion]
	}

	allow, narrowed := scopeAgents[scope]
	if !narrowed {
		return tmpl.Nodes
	}

	var filtered []Node
	for _, n := range tmpl.Nodes {
		if allow[n.AgentName] {
			filtered = append(filtered, n)
		}
	}
	return filtered
}
