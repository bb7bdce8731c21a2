package mqttpub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/transcript"
)

// fakeToken is a paho.Token that is already complete.
type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type message struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	published    []message
	gate         chan struct{}
	err          error
	disconnected int
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload any) paho.Token {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, message{topic: topic, qos: qos, payload: payload.([]byte)})
	return newToken(c.err)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected++
}

func (c *fakeClient) messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.published...)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestTopic(t *testing.T) {
	t.Parallel()
	if got := Topic("studio", "abc"); got != "studio/sessions/abc/results" {
		t.Errorf("Topic = %q", got)
	}
}

func TestPublisher_PublishesEveryResultInOrder(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	p := New(client, Config{TopicPrefix: "livescribe", QoS: 1}, WithMetrics(testMetrics(t)))

	sub := p.Subscriber()
	sub(transcript.Result{SessionID: "s1", Sequence: 1, Text: "hel"})
	sub(transcript.Result{SessionID: "s1", Sequence: 2, Text: "hello", IsFinal: true})
	p.Close()

	msgs := client.messages()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	for i, m := range msgs {
		if m.topic != "livescribe/sessions/s1/results" {
			t.Errorf("msgs[%d].topic = %q", i, m.topic)
		}
		if m.qos != 1 {
			t.Errorf("msgs[%d].qos = %d, want 1", i, m.qos)
		}
		var r transcript.Result
		if err := json.Unmarshal(m.payload, &r); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if r.Sequence != uint64(i+1) {
			t.Errorf("msgs[%d].sequence = %d, want %d", i, r.Sequence, i+1)
		}
	}
	if client.disconnected != 1 {
		t.Errorf("Disconnect calls = %d, want 1", client.disconnected)
	}
}

func TestPublisher_FullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()
	client := &fakeClient{gate: make(chan struct{})}
	p := New(client, Config{TopicPrefix: "livescribe"}, WithQueueSize(1), WithMetrics(testMetrics(t)))

	done := make(chan struct{})
	go func() {
		for i := range 10 {
			p.Subscriber()(transcript.Result{SessionID: "s1", Sequence: uint64(i + 1)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber blocked on a full queue")
	}

	close(client.gate)
	p.Close()
	if got := len(client.messages()); got < 1 || got > 2 {
		t.Errorf("published %d, want 1 or 2", got)
	}
}

func TestPublisher_PublishErrorKeepsGoing(t *testing.T) {
	t.Parallel()
	client := &fakeClient{err: errors.New("not connected")}
	p := New(client, Config{TopicPrefix: "livescribe"}, WithMetrics(testMetrics(t)))

	p.Subscriber()(transcript.Result{SessionID: "s1", Sequence: 1})
	p.Subscriber()(transcript.Result{SessionID: "s1", Sequence: 2})
	p.Close()

	if got := len(client.messages()); got != 2 {
		t.Errorf("publish attempts = %d, want 2", got)
	}
}

func TestPublisher_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	p := New(client, Config{}, WithMetrics(testMetrics(t)))
	p.Close()
	p.Close()

	p.Subscriber()(transcript.Result{SessionID: "s1", Sequence: 1})
	if got := len(client.messages()); got != 0 {
		t.Errorf("published after Close = %d, want 0", got)
	}
	if client.disconnected != 1 {
		t.Errorf("Disconnect calls = %d, want 1", client.disconnected)
	}
}

func TestConnect_RequiresBroker(t *testing.T) {
	t.Parallel()
	if _, err := Connect(t.Context(), Config{}); err == nil {
		t.Error("expected error for empty broker URL")
	}
}
