package ui

import (
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/transcript"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return NewHub(m)
}

func TestHub_LatestClearedOnNewSession(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)

	if _, ok := h.Latest(); ok {
		t.Fatal("new hub has a latest result")
	}
	h.PublishResult(transcript.Result{SessionID: "a", Sequence: 1, Text: "one"})
	h.PublishState(session.StateRecording, session.Session{State: session.StateStopping, ID: "a"})
	h.PublishState(session.StateStopping, session.Session{State: session.StateIdle})

	if r, ok := h.Latest(); !ok || r.Text != "one" {
		t.Fatalf("Latest after stop = %+v, %v", r, ok)
	}

	h.PublishState(session.StateIdle, session.Session{State: session.StateInitializing, ID: "b"})
	if _, ok := h.Latest(); ok {
		t.Error("latest result survived a new session")
	}
}

func TestHub_RemoveClosesQueueOnce(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)

	c := &client{send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.PublishResult(transcript.Result{Sequence: 1, Text: "queued"})
	h.remove(c)
	h.remove(c)

	if h.Clients() != 0 {
		t.Errorf("Clients = %d, want 0", h.Clients())
	}
	if b, ok := <-c.send; !ok || len(b) == 0 {
		t.Fatal("queued message lost")
	}
	if _, ok := <-c.send; ok {
		t.Error("send queue not closed")
	}

	// Replies to a removed client are dropped instead of panicking on the
	// closed queue.
	h.reply(c, Message{Type: TypeError, Code: CodeInternal})
}
