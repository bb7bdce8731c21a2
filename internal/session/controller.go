// Package session implements the controller that owns the one live
// transcription session.
//
// A [Controller] is a state machine:
//
//	Idle → Initializing → Recording → Stopping → Idle
//	          │               │
//	          └──→ Failed ←───┘  (→ Idle after cleanup)
//
// Start checks and leaves Idle under one mutex, so overlapping starts are
// rejected with [*AlreadyActiveError] instead of racing. Every resource a
// session acquires (engine handle, stream, result subscription) is owned by a
// [guard.Guard] and released on every path back to Idle: Stop, a failed
// initialization, a stream the engine ended on its own, and Close.
//
// Stop during Initializing is deferred: the engine call is allowed to finish,
// after which the session is cleaned up without ever entering Recording and
// Start returns [ErrStartCanceled].
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/livescribe/internal/dispatch"
	"github.com/MrWong99/livescribe/internal/engine"
	"github.com/MrWong99/livescribe/internal/guard"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/transcript"
)

// Option configures a [Controller].
type Option func(*Controller)

// WithReleaseTimeout bounds each resource release during teardown.
func WithReleaseTimeout(d time.Duration) Option {
	return func(c *Controller) { c.releaseTimeout = d }
}

// WithStateListener registers fn for state transitions. May be given more
// than once.
func WithStateListener(fn StateListener) Option {
	return func(c *Controller) {
		if fn != nil {
			c.listeners = append(c.listeners, fn)
		}
	}
}

// WithMetrics records session metrics on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithReleaseHook is called for every resource whose release failed.
func WithReleaseHook(fn func(*guard.ReleaseError)) Option {
	return func(c *Controller) { c.releaseHook = fn }
}

// activeSession holds everything one session owns.
type activeSession struct {
	id              string
	startedAt       time.Time
	guard           *guard.Guard
	handle          stt.Handle
	stream          stt.Stream
	disp            *dispatch.Dispatcher
	cancelRequested bool
}

// Controller owns at most one session at a time. All exported methods are
// safe for concurrent use.
type Controller struct {
	adapter        *engine.Adapter
	releaseTimeout time.Duration
	listeners      []StateListener
	releaseHook    func(*guard.ReleaseError)
	metrics        *observe.Metrics

	mu      sync.Mutex
	state   State
	active  *activeSession
	closed  bool
	settled chan struct{} // closed when the current session reached Idle

	// notifyMu keeps listener calls in transition order.
	notifyMu sync.Mutex
}

// New creates an idle Controller driving adapter.
func New(adapter *engine.Adapter, opts ...Option) *Controller {
	c := &Controller{
		adapter:        adapter,
		releaseTimeout: guard.DefaultReleaseTimeout,
		state:          StateIdle,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	settled := make(chan struct{})
	close(settled)
	c.settled = settled
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a snapshot of the current session.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Closed reports whether Close was called.
func (c *Controller) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) snapshotLocked() Session {
	s := Session{State: c.state}
	if c.active != nil {
		s.ID = c.active.id
		s.StartedAt = c.active.startedAt
		s.HasHandle = c.active.handle != nil
	}
	return s
}

// transitionAndUnlock moves to state to, releases c.mu and notifies the
// listeners. c.mu must be held.
func (c *Controller) transitionAndUnlock(to State) {
	from := c.state
	c.state = to
	snap := c.snapshotLocked()
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	slog.Debug("session: state transition", "session_id", snap.ID, "from", from, "to", to)
	for _, l := range c.listeners {
		l(from, snap)
	}
}

// Start begins a new session: it initializes the engine with modelCfg, opens
// a stream with audioCfg and relays every result to sub, in engine order,
// until the session stops.
//
// Start returns once the session is Recording. It fails with
// [*AlreadyActiveError] if a session is not idle, with [*engine.InitError] or
// [*engine.StreamStartError] if the engine rejected the request, with
// [ErrStartCanceled] if Stop was called meanwhile, and with [ErrClosed] after
// Close. In every failure case the controller is Idle again and everything
// acquired was released before Start returns.
//
// sub is called on a single goroutine and must not call Stop synchronously.
func (c *Controller) Start(ctx context.Context, modelCfg stt.ModelConfig, audioCfg audio.SessionConfig, sub transcript.Subscriber) (Token, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.metrics.RecordSessionStart(ctx, observe.StartCanceled)
		return Token{}, ErrClosed
	}
	if c.state != StateIdle {
		err := &AlreadyActiveError{SessionID: c.active.id, State: c.state}
		c.mu.Unlock()
		c.metrics.RecordSessionStart(ctx, observe.StartAlreadyActive)
		return Token{}, err
	}

	s := &activeSession{id: uuid.NewString(), startedAt: time.Now().UTC()}
	s.guard = guard.New(s.id,
		guard.WithTimeout(c.releaseTimeout),
		guard.WithHook(c.releaseHook),
		guard.WithMetrics(c.metrics),
	)
	c.active = s
	c.settled = make(chan struct{})
	c.transitionAndUnlock(StateInitializing)
	c.metrics.ActiveSessions.Add(ctx, 1)

	ctx, span := observe.StartSessionSpan(ctx, s.id)
	var startErr error
	defer func() { observe.EndSpan(span, startErr) }()
	log := observe.Logger(ctx)

	h, err := c.adapter.Initialize(ctx, modelCfg)
	if err == nil {
		s.guard.Acquire("engine_handle", h.Release)
	}
	if aborted, abortErr := c.abortIfNeeded(ctx, s, err, observe.StartInitFailed); aborted {
		startErr = abortErr
		return Token{}, abortErr
	}
	c.mu.Unlock()

	stream, err := c.adapter.StartStream(ctx, h, audioCfg)
	if err == nil {
		s.guard.Acquire("stream", stream.Stop)
	}
	if aborted, abortErr := c.abortIfNeeded(ctx, s, err, observe.StartStreamFailed); aborted {
		startErr = abortErr
		return Token{}, abortErr
	}

	// Still holding c.mu from abortIfNeeded.
	disp := dispatch.New(s.id, c.adapter.Decode, sub, dispatch.WithMetrics(c.metrics))
	s.guard.Acquire("subscription", func() error {
		disp.Unsubscribe()
		return nil
	})
	s.handle = h
	s.stream = stream
	s.disp = disp
	go disp.Run(stream.Events())
	go c.watchStream(s)
	c.transitionAndUnlock(StateRecording)

	c.metrics.RecordSessionStart(ctx, observe.StartOK)
	log.Info("session started", "engine", c.adapter.Name(), "model", modelCfg.ModelPath)
	return Token{SessionID: s.id, StartedAt: s.startedAt}, nil
}

// abortIfNeeded is called after each engine step. It locks c.mu; when the
// step failed or a stop was requested it tears the session down, returns to
// Idle and reports the error Start must return. Otherwise it returns with
// c.mu still held.
func (c *Controller) abortIfNeeded(ctx context.Context, s *activeSession, stepErr error, status string) (bool, error) {
	c.mu.Lock()
	switch {
	case stepErr != nil:
		c.transitionAndUnlock(StateFailed)
		observe.Logger(ctx).Warn("session: start failed", "err", stepErr)
		c.teardown(ctx, s)
		c.metrics.RecordSessionStart(ctx, status)
		return true, stepErr
	case s.cancelRequested:
		c.mu.Unlock()
		observe.Logger(ctx).Info("session: start canceled by stop")
		c.teardown(ctx, s)
		c.metrics.RecordSessionStart(ctx, observe.StartCanceled)
		return true, ErrStartCanceled
	default:
		return false, nil
	}
}

// teardown releases everything s owns and returns the controller to Idle.
// c.mu must not be held.
func (c *Controller) teardown(ctx context.Context, s *activeSession) {
	s.guard.Release(context.WithoutCancel(ctx))

	c.mu.Lock()
	if c.active != s {
		c.mu.Unlock()
		return
	}
	c.active = nil
	settled := c.settled
	c.transitionAndUnlock(StateIdle)
	close(settled)
	c.metrics.ActiveSessions.Add(context.Background(), -1)
}

// watchStream tears the session down when the engine ends the stream on its
// own.
func (c *Controller) watchStream(s *activeSession) {
	<-s.disp.Done()
	if !s.disp.EngineEnded() {
		return
	}

	c.mu.Lock()
	if c.active != s || c.state != StateRecording {
		c.mu.Unlock()
		return
	}
	c.transitionAndUnlock(StateFailed)
	slog.Warn("session: engine ended the stream", "session_id", s.id)
	c.teardown(context.Background(), s)
}

// Stop ends the current session.
//
//   - Idle: no-op.
//   - Initializing: the stop is recorded and Stop returns at once; the
//     pending Start cleans up and returns [ErrStartCanceled].
//   - Recording: unsubscribes the result relay, stops the stream and releases
//     the engine handle, then returns in Idle. No result is delivered after
//     Stop returns.
//   - Stopping or Failed: waits until the teardown in progress finished or
//     ctx is done.
//
// Release failures are logged, never returned; the only error is ctx's.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return nil
	case StateInitializing:
		c.active.cancelRequested = true
		id := c.active.id
		c.mu.Unlock()
		slog.Info("session: stop requested during initialization, deferring", "session_id", id)
		return nil
	case StateRecording:
		s := c.active
		c.transitionAndUnlock(StateStopping)
		c.teardown(ctx, s)
		slog.Info("session stopped", "session_id", s.id, "results", s.disp.Delivered())
		return nil
	default:
		settled := c.settled
		c.mu.Unlock()
		select {
		case <-settled:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Toggle starts a session when Idle and stops the current one otherwise. The
// returned token is zero when Toggle stopped.
func (c *Controller) Toggle(ctx context.Context, modelCfg stt.ModelConfig, audioCfg audio.SessionConfig, sub transcript.Subscriber) (Token, error) {
	if c.State() == StateIdle {
		tok, err := c.Start(ctx, modelCfg, audioCfg, sub)
		var active *AlreadyActiveError
		if !errors.As(err, &active) {
			return tok, err
		}
	}
	return Token{}, c.Stop(ctx)
}

// Close rejects further Starts with [ErrClosed], stops the current session
// and waits until the controller is Idle or ctx is done. A session that is
// still initializing is cancelled and cleaned up once the engine call
// returns.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if err := c.Stop(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	settled := c.settled
	c.mu.Unlock()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
