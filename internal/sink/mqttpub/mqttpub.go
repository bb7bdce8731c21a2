// Package mqttpub publishes transcription results to an MQTT broker.
//
// Every delivered result, partial or final, is published as JSON to
// <prefix>/sessions/<session_id>/results. Publishing happens on a background
// goroutine fed by a bounded queue so a slow broker never delays delivery to
// the other subscribers; when the queue is full the result is dropped and
// counted on livescribe.sink.dropped{sink="mqtt"}.
package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/transcript"
)

const (
	sinkName = "mqtt"

	defaultQueueSize      = 256
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesceMs   = 250
)

// Config holds the broker connection settings.
type Config struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Client is the subset of [paho.Client] used by [Publisher].
type Client interface {
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
	Disconnect(quiesce uint)
}

// Option configures a [Publisher].
type Option func(*Publisher)

// WithQueueSize sets how many results may wait to be published.
func WithQueueSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithPublishTimeout bounds how long the publisher waits for one publish to
// be acknowledged by the client.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.publishTimeout = d
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// Publisher forwards results to MQTT. All methods are safe for concurrent use.
type Publisher struct {
	client         Client
	prefix         string
	qos            byte
	queueSize      int
	publishTimeout time.Duration
	metrics        *observe.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan transcript.Result

	loopDone  chan struct{}
	closeOnce sync.Once
}

// Topic returns the topic results of sessionID are published on.
func Topic(prefix, sessionID string) string {
	return fmt.Sprintf("%s/sessions/%s/results", prefix, sessionID)
}

// Connect dials the broker described by cfg and returns a running Publisher.
// The client reconnects on its own after the initial connection succeeded.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Publisher, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqttpub: broker URL must not be empty")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "livescribe-" + uuid.NewString()
	}

	po := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(false)
	if cfg.Username != "" {
		po.SetUsername(cfg.Username)
		po.SetPassword(cfg.Password)
	}
	po.SetConnectionLostHandler(func(_ paho.Client, err error) {
		slog.Error("mqtt connection lost", "broker", cfg.BrokerURL, "err", err)
	})
	po.SetOnConnectHandler(func(paho.Client) {
		slog.Info("mqtt connected", "broker", cfg.BrokerURL, "client_id", clientID)
	})

	client := paho.NewClient(po)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("mqttpub: connect %q: %w", cfg.BrokerURL, err)
	}
	return New(client, cfg, opts...), nil
}

// New returns a running Publisher on an already connected client. The
// Publisher takes ownership of client and disconnects it on Close.
func New(client Client, cfg Config, opts ...Option) *Publisher {
	p := &Publisher{
		client:         client,
		prefix:         cfg.TopicPrefix,
		qos:            cfg.QoS,
		queueSize:      defaultQueueSize,
		publishTimeout: defaultPublishTimeout,
		loopDone:       make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.queue = make(chan transcript.Result, p.queueSize)
	go p.publishLoop()
	return p
}

// Subscriber returns the function to register with the session's subscriber
// fan-out.
func (p *Publisher) Subscriber() transcript.Subscriber {
	return p.enqueue
}

func (p *Publisher) enqueue(r transcript.Result) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- r:
	default:
		p.metrics.RecordSinkDrop(context.Background(), sinkName)
		slog.Warn("mqtt queue full, dropping result", "session_id", r.SessionID, "sequence", r.Sequence)
	}
}

func (p *Publisher) publishLoop() {
	defer close(p.loopDone)
	for r := range p.queue {
		if err := p.publish(r); err != nil {
			slog.Warn("mqtt publish failed", "session_id", r.SessionID, "sequence", r.Sequence, "err", err)
		}
	}
}

func (p *Publisher) publish(r transcript.Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("mqttpub: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
	defer cancel()
	if err := wait(ctx, p.client.Publish(Topic(p.prefix, r.SessionID), p.qos, false, payload)); err != nil {
		return fmt.Errorf("mqttpub: publish: %w", err)
	}
	return nil
}

// wait blocks until tok completes or ctx ends.
func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Close stops accepting results, publishes the queued ones and disconnects
// the client. Safe to call more than once.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		<-p.loopDone
		p.client.Disconnect(disconnectQuiesceMs)
	})
}
