package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arctek/agentforge/internal/agentio"
	"github.com/arctek/agentforge/internal/db"
)

// classifierMaxOutputTokens is hard-coded per spec.md §9 Design Note:
// the source's classifier caps output at 20 tokens and this is kept as
// a constant rather than exposed through settings.
const classifierMaxOutputTokens = 20

const classifierSystemPrompt = `Classify the user's request. Respond with compact JSON only: {"intent":"build|fix|question","scope":"frontend|backend|styling|full"}`

// Classification is the classifier agent's structured decision.
type Classification struct {
	Intent db.Intent
	Scope  db.Scope
}

// Classify maps a user message to an intent/scope pair using the
// cheapest configured model (spec.md §4.1 "Planning": "a classifier
// agent (cheapest model)").
func Classify(ctx context.Context, model agentio.ModelCall, provider, modelID, userMessage string) (Classification, error) {
	resp, err := model.Call(ctx, agentio.Request{
		Provider:        provider,
		Model:           modelID,
		SystemPrompt:    classifierSystemPrompt,
		UserPrompt:      userMessage,
		MaxOutputTokens: classifierMaxOutputTokens,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("classifier call failed: %w", err)
	}

	var parsed struct {
		Intent string `json:"intent"`
		Scope  string `json:"scope"`
	}
	text := strings.TrimSpace(resp.OutputText)
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return Classification{Intent: db.IntentQuestion, Scope: db.ScopeFull}, nil
	}

	c := Classification{
		Intent: db.Intent(parsed.Intent),
		Scope:  db.Scope(parsed.Scope),
	}
	if !validIntent(c.Intent) {
		c.Intent = db.IntentQuestion
	}
	if !validScope(c.Scope) {
		c.Scope = db.ScopeFull
	}
	return c, nil
}

func validIntent(i db.Intent) bool {
	switch i {
	case db.IntentBuild, db.IntentFix, db.IntentQuestion:
		return true
	}
	return false
}

func validScope(s db.Scope) bool {
	switch s {
	case db.ScopeFrontend, db.ScopeBackend, db.ScopeStyling, db.ScopeFull:
		return true
	}
	return false
}
