// Package dispatch relays engine events to the subscriber of a live session.
//
// A [Dispatcher] decodes each engine-native event into a [transcript.Result],
// numbers it and hands it to the subscriber, in the order the engine delivered
// the events. Decoding, numbering, delivery and [Dispatcher.Unsubscribe] share
// one mutex: once Unsubscribe returns no further result reaches the
// subscriber. Events handled after that, and events still buffered in the
// engine's channel when Run stops, are discarded and counted on
// livescribe.events.late_dropped.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/transcript"
)

// DecodeFunc turns one engine event into a text fragment.
type DecodeFunc func(stt.Event) (stt.Fragment, error)

// MalformedEventError reports an engine event that could not be decoded. The
// event is dropped and the session continues.
type MalformedEventError struct {
	SessionID string
	Payload   []byte
	Err       error
}

// Error implements error.
func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("dispatch: malformed event in session %s: %v", e.SessionID, e.Err)
}

// Unwrap returns the decoder's error.
func (e *MalformedEventError) Unwrap() error { return e.Err }

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithMetrics records dispatch counters on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithMalformedHook registers fn to be called for every dropped malformed
// event, after it was logged.
func WithMalformedHook(fn func(*MalformedEventError)) Option {
	return func(d *Dispatcher) { d.onMalformed = fn }
}

// Dispatcher relays the events of one stream to one subscriber. It is not
// restartable: a new session uses a new Dispatcher, so sequence numbers start
// at 1 again.
type Dispatcher struct {
	sessionID   string
	decode      DecodeFunc
	metrics     *observe.Metrics
	onMalformed func(*MalformedEventError)

	mu           sync.Mutex
	sub          transcript.Subscriber
	seq          uint64
	unsubscribed bool
	engineEnded  bool

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	runOnce  sync.Once
}

// New creates a Dispatcher delivering the results of sessionID to sub. A nil
// sub discards results but still numbers them.
func New(sessionID string, decode DecodeFunc, sub transcript.Subscriber, opts ...Option) *Dispatcher {
	if decode == nil {
		decode = stt.DecodeRealtime
	}
	d := &Dispatcher{
		sessionID: sessionID,
		decode:    decode,
		sub:       sub,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Run consumes events until the engine closes the channel or Unsubscribe is
// called. On Unsubscribe it discards what is already buffered and returns
// without waiting for the engine. It must be called at most once; later calls
// return immediately.
func (d *Dispatcher) Run(events <-chan stt.Event) {
	first := false
	d.runOnce.Do(func() { first = true })
	if !first {
		return
	}
	defer close(d.done)

	for {
		select {
		case <-d.quit:
			d.discardBuffered(events)
			return
		case ev, ok := <-events:
			if !ok {
				d.mu.Lock()
				d.engineEnded = !d.unsubscribed
				d.mu.Unlock()
				return
			}
			d.handle(ev)
		}
	}
}

// discardBuffered drops the events buffered in events without blocking.
func (d *Dispatcher) discardBuffered(events <-chan stt.Event) {
	n := 0
drain:
	for {
		select {
		case _, ok := <-events:
			if !ok {
				break drain
			}
			n++
		default:
			break drain
		}
	}
	if n > 0 {
		d.metrics.LateEventsDropped.Add(context.Background(), int64(n))
		slog.Debug("dispatch: dropped buffered events after unsubscribe", "session_id", d.sessionID, "count", n)
	}
}

// handle is the single ordering point between delivery and unsubscription.
func (d *Dispatcher) handle(ev stt.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx := context.Background()
	if d.unsubscribed {
		d.metrics.LateEventsDropped.Add(ctx, 1)
		slog.Debug("dispatch: dropped event after unsubscribe", "session_id", d.sessionID)
		return
	}

	frag, err := d.decode(ev)
	if errors.Is(err, stt.ErrIgnoreEvent) {
		return
	}
	if err != nil {
		me := &MalformedEventError{SessionID: d.sessionID, Payload: ev.Payload, Err: err}
		d.metrics.MalformedEvents.Add(ctx, 1)
		slog.Warn("dispatch: dropping malformed event", "session_id", d.sessionID, "err", err)
		if d.onMalformed != nil {
			d.onMalformed(me)
		}
		return
	}

	d.seq++
	ts := ev.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	r := transcript.Result{
		SessionID: d.sessionID,
		Sequence:  d.seq,
		Text:      frag.Text,
		IsFinal:   frag.IsFinal,
		Timestamp: ts,
		Offset:    frag.Offset,
	}
	d.metrics.RecordResult(ctx, r.IsFinal)
	if d.sub != nil {
		d.deliver(r)
	}
}

// deliver calls the subscriber, containing a panic so that one bad result does
// not end the session.
func (d *Dispatcher) deliver(r transcript.Result) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("dispatch: subscriber panicked", "session_id", d.sessionID, "sequence", r.Sequence, "panic", p)
		}
	}()
	d.sub(r)
}

// Unsubscribe detaches the subscriber and makes Run return. It waits for a
// delivery in progress, so after it returns the subscriber is never called
// again. The subscriber must not call Unsubscribe itself. Safe to call more
// than once.
func (d *Dispatcher) Unsubscribe() {
	d.mu.Lock()
	d.unsubscribed = true
	d.sub = nil
	d.mu.Unlock()
	d.quitOnce.Do(func() { close(d.quit) })
}

// Done is closed when Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// EngineEnded reports whether Run returned because the engine closed its
// event channel while the subscriber was still attached.
func (d *Dispatcher) EngineEnded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engineEnded
}

// Delivered returns the sequence number of the last result produced.
func (d *Dispatcher) Delivered() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}
