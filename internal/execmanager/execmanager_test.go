package execmanager

import (
	"testing"
	"time"

	"github.com/basket/orchestra/internal/events"
)

func TestCreateOrResume_NewClientGetsFreshSubscription(t *testing.T) {
	m := New(Config{})
	sub := m.CreateOrResume("alice")
	if sub.ID == "" {
		t.Fatal("expected a non-empty subscription id")
	}
	if sub.ClientID != "alice" {
		t.Fatalf("client id = %q, want alice", sub.ClientID)
	}
}

func TestCreateOrResume_SameClientResumesSameSubscription(t *testing.T) {
	m := New(Config{})
	first := m.CreateOrResume("alice")
	second := m.CreateOrResume("alice")
	if first.ID != second.ID {
		t.Fatalf("expected resumed subscription, got %q and %q", first.ID, second.ID)
	}
}

func TestCreateOrResume_EmptyClientIDAlwaysCreatesNew(t *testing.T) {
	m := New(Config{})
	first := m.CreateOrResume("")
	second := m.CreateOrResume("")
	if first.ID == second.ID {
		t.Fatal("expected distinct subscriptions when client id is empty")
	}
}

func TestCreateOrResume_ExpiredSubscriptionIsNotResumed(t *testing.T) {
	m := New(Config{TTL: -time.Second}) // immediately expired
	first := m.CreateOrResume("bob")
	second := m.CreateOrResume("bob")
	if first.ID == second.ID {
		t.Fatal("expected a fresh subscription once the prior one expired")
	}
}

func TestEventSender_BuffersEventsBeforeConnect(t *testing.T) {
	m := New(Config{})
	sub := m.CreateOrResume("alice")
	sender := m.EventSender(sub.ID, "conv1")

	sender.Send(events.OrchestratorSource(), events.ExecutionStarted())
	sender.Send(events.OrchestratorSource(), events.ExecutionCompleted("done"))

	status, ok := m.Status(sub.ID)
	if !ok {
		t.Fatal("expected subscription to exist")
	}
	if status.BufferedEvents != 2 {
		t.Fatalf("buffered events = %d, want 2", status.BufferedEvents)
	}
	if status.State != "active" {
		t.Fatalf("state = %q, want active", status.State)
	}
}

func TestConnect_ReplaysBufferedEventsThenStreamsLive(t *testing.T) {
	m := New(Config{})
	sub := m.CreateOrResume("alice")
	sender := m.EventSender(sub.ID, "conv1")
	sender.Send(events.OrchestratorSource(), events.ExecutionStarted())

	replay, live, ok := m.Connect(sub.ID)
	if !ok {
		t.Fatal("expected connect to succeed")
	}
	if len(replay) != 1 {
		t.Fatalf("replay = %d events, want 1", len(replay))
	}

	sender.Send(events.OrchestratorSource(), events.ExecutionCompleted("done"))
	select {
	case ev := <-live:
		if ev.Event.Type != events.TypeExecutionCompleted {
			t.Fatalf("live event type = %v", ev.Event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestDisconnect_KeepsBufferForLaterReconnect(t *testing.T) {
	m := New(Config{})
	sub := m.CreateOrResume("alice")
	sender := m.EventSender(sub.ID, "conv1")
	sender.Send(events.OrchestratorSource(), events.ExecutionStarted())

	_, _, ok := m.Connect(sub.ID)
	if !ok {
		t.Fatal("expected connect to succeed")
	}
	m.Disconnect(sub.ID)

	sender.Send(events.OrchestratorSource(), events.ExecutionCompleted("done"))

	status, ok := m.Status(sub.ID)
	if !ok {
		t.Fatal("expected subscription to still exist")
	}
	if status.Connected {
		t.Fatal("expected subscription to be marked disconnected")
	}
	if status.BufferedEvents != 2 {
		t.Fatalf("buffered events = %d, want 2 (buffer survives disconnect)", status.BufferedEvents)
	}
}

func TestConnect_UnknownSubscriptionFails(t *testing.T) {
	m := New(Config{})
	_, _, ok := m.Connect("sub_does-not-exist")
	if ok {
		t.Fatal("expected connect to fail for an unknown subscription")
	}
}

func TestAddEvent_RingBufferEvictsOldestPastCap(t *testing.T) {
	sub := newSubscription("alice", time.Minute)
	for i := 0; i < maxBufferedEvents+10; i++ {
		sub.addEvent(events.New("conv1", events.OrchestratorSource(), events.ExecutionStarted()))
	}
	if len(sub.buffer) != maxBufferedEvents {
		t.Fatalf("buffer length = %d, want %d", len(sub.buffer), maxBufferedEvents)
	}
}

func TestEventSender_UnknownSubscriptionDoesNotPanic(t *testing.T) {
	m := New(Config{})
	sender := m.EventSender("sub_nope", "conv1")
	sender.Send(events.OrchestratorSource(), events.ExecutionStarted())
}
