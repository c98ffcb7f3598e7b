package server

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

// testLogger returns a logger for tests that only surfaces errors.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(testLogger())

	// Subscribe two clients.
	ch1 := broker.Subscribe()
	ch2 := broker.Subscribe()

	// Publish an event.
	broker.Publish([]byte(`{"decision_id":"dec_abc"}`))
	want := formatSSE(eventDecisionFinalised, []byte(`{"decision_id":"dec_abc"}`))

	// Both should receive it.
	select {
	case got := <-ch1:
		if string(got) != string(want) {
			t.Errorf("ch1: got %q, want %q", got, want)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch1: timed out waiting for event")
	}

	select {
	case got := <-ch2:
		if string(got) != string(want) {
			t.Errorf("ch2: got %q, want %q", got, want)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch2: timed out waiting for event")
	}

	// Unsubscribe ch1, publish again. Only ch2 should receive.
	broker.Unsubscribe(ch1)
	broker.Publish([]byte(`{"decision_id":"dec_def"}`))
	want2 := formatSSE(eventDecisionFinalised, []byte(`{"decision_id":"dec_def"}`))

	select {
	case got := <-ch2:
		if string(got) != string(want2) {
			t.Errorf("ch2: got %q, want %q", got, want2)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch2: timed out waiting for event after ch1 unsubscribed")
	}

	broker.Unsubscribe(ch2)
	if n := broker.Subscribers(); n != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", n)
	}
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("decision.finalised", []byte(`{"id":"123"}`)))
	want := "event: decision.finalised\ndata: {\"id\":\"123\"}\n\n"
	if got != want {
		t.Errorf("formatSSE: got %q, want %q", got, want)
	}
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := NewBroker(testLogger())

	// A slow subscriber that never reads, and a fast one.
	slow := broker.Subscribe()
	fast := broker.Subscribe()

	// Fill the slow subscriber's buffer.
	for range 65 {
		broker.Publish([]byte(`"fill"`))
	}

	// Drain the fast subscriber so the next publish is observable.
	for len(fast) > 0 {
		<-fast
	}

	// The fast subscriber still gets events while the slow one is full.
	broker.Publish([]byte(`"after-fill"`))
	select {
	case got := <-fast:
		want := formatSSE(eventDecisionFinalised, []byte(`"after-fill"`))
		if string(got) != string(want) {
			t.Errorf("fast: got %q, want %q", got, want)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast subscriber should receive events while the slow one is blocked")
	}

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}
