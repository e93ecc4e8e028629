package events

import (
	"context"
	"testing"
	"time"
)

func TestDisplayNameTitleCases(t *testing.T) {
	if got := DisplayName("frontend-dev"); got != "Frontend-Dev" {
		t.Fatalf("got %q", got)
	}
	if got := DisplayName("qa"); got != "Qa" {
		t.Fatalf("got %q", got)
	}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsub := bus.Subscribe(ctx, "chat-1")
	defer unsub()

	bus.Publish(Event{ChatID: "chat-1", AgentName: "dev", Status: StatusRunning})

	select {
	case evt := <-ch:
		if evt.AgentName != "dev" {
			t.Fatalf("got %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishToOtherChatDoesNotDeliver(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(context.Background(), "chat-1")
	defer unsub()

	bus.Publish(Event{ChatID: "chat-2", AgentName: "dev"})

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event delivered: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(context.Background(), "chat-1")
	unsub()

	_, open := <-ch
	if open {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestContextCancelUnsubscribes(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.Subscribe(ctx, "chat-1")
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected channel closed after context cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
