// Package events implements the in-process streaming progress bus
// referenced by spec.md §4.1 ("stream progress events"). The pipeline
// orchestrator has no HTTP/SSE front end in this system (out of scope
// per spec.md §1), so the bus is a plain channel fan-out rather than
// the teacher's SSE handler in internal/web/sse.go; the event shape and
// the agent-name display formatting (title-casing via x/text/cases, the
// same function the teacher registers as its "title" template helper
// in agents/spawner.go) are carried over.
package events

import (
	"context"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// DisplayName title-cases an agent's internal name for presentation,
// e.g. "frontend-dev" -> "Frontend-Dev".
func DisplayName(agentName string) string {
	return titleCaser.String(agentName)
}

// Status mirrors db.ExecutionStatus plus the run-level terminal states
// an observer needs without importing the db package.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Event is one progress notification for a chat's active pipeline run.
type Event struct {
	ChatID    string
	RunID     string
	AgentName string
	Status    Status
	Summary   string
}

// Bus fans out events published for a chat to every subscriber
// currently listening on it. An event is dropped for a subscriber that
// has fallen behind rather than allowed to block publishers; the
// subscriber itself stays registered (best-effort delivery; the
// durable record of what happened lives in the database, not the bus).
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a buffered channel for chatID's events. The
// returned cancel func must be called to unregister and close it;
// ctx cancellation also unregisters it automatically.
func (b *Bus) Subscribe(ctx context.Context, chatID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	if b.subs[chatID] == nil {
		b.subs[chatID] = make(map[chan Event]struct{})
	}
	b.subs[chatID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[chatID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(b.subs, chatID)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return ch, cancel
}

// Publish delivers evt to every current subscriber of evt.ChatID,
// dropping it for any subscriber whose buffer is full.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	subs := b.subs[evt.ChatID]
	targets := make([]chan Event, 0, len(subs))
	for ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
		}
	}
}
