package orchestrator

import (
	"testing"

	"github.com/arctek/agentforge/internal/db"
)

// hasAgent reports whether nodes contains agentName.
func hasAgent(nodes []Node, agentName string) bool {
	for _, n := range nodes {
		if n.AgentName == agentName {
			return true
		}
	}
	return false
}

// TestPlanFixScopeAlwaysIncludesADevAgent covers every (fix, scope)
// combination: remediate() requires lastDevAgent to find an entry, so a
// fix plan with no developer agent at all can never recover from a
// failing code-review verdict.
func TestPlanFixScopeAlwaysIncludesADevAgent(t *testing.T) {
	for _, scope := range []db.Scope{db.ScopeFrontend, db.ScopeBackend, db.ScopeStyling, db.ScopeFull} {
		nodes := Plan(db.IntentFix, scope)
		if !hasAgent(nodes, "frontend-dev") && !hasAgent(nodes, "backend-dev") {
			t.Fatalf("fix/%s plan has no developer agent: %+v", scope, nodes)
		}
	}
}

func TestPlanStylingScopeExcludesBackendDev(t *testing.T) {
	nodes := Plan(db.IntentFix, db.ScopeStyling)
	if hasAgent(nodes, "backend-dev") {
		t.Fatalf("expected styling scope to exclude backend-dev, got %+v", nodes)
	}
	if !hasAgent(nodes, "frontend-dev") {
		t.Fatalf("expected styling scope to include frontend-dev, got %+v", nodes)
	}
}
