// Package engine binds a live recognition engine to the session controller.
//
// [Adapter] is a pass-through over an [stt.Engine]: it performs no retries, no
// buffering and no validation of the model or audio configuration. It adds
// what the controller needs around each call:
//
//   - failures surface as [*InitError] or [*StreamStartError];
//   - Initialize and StartStream are bounded by fail-safe timeouts, and a
//     handle or stream that arrives after its timeout fired is released or
//     stopped at once, so an unresponsive engine never orphans a resource;
//   - an optional circuit breaker fails Initialize fast after repeated model
//     load failures;
//   - every call is traced and measured.
//
// [Adapter.Decode] turns engine events into fragments with the engine's own
// [stt.Decoder] when it has one and with [stt.DecodeRealtime] otherwise.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Default fail-safe timeouts. Loading a large model on a phone-class CPU can
// take tens of seconds.
const (
	DefaultInitTimeout  = 60 * time.Second
	DefaultStartTimeout = 10 * time.Second
)

// Option configures an [Adapter].
type Option func(*Adapter)

// WithName sets the engine name used in errors, logs and spans.
func WithName(name string) Option {
	return func(a *Adapter) { a.name = name }
}

// WithInitTimeout bounds Initialize. Zero disables the timeout.
func WithInitTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.initTimeout.Store(int64(d)) }
}

// WithStartTimeout bounds StartStream. Zero disables the timeout.
func WithStartTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.startTimeout.Store(int64(d)) }
}

// WithCircuitBreaker guards Initialize with cb. Cancellations by the caller
// do not count as failures if cb was built with [BreakerConfig].
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(a *Adapter) { a.breaker = cb }
}

// WithMetrics records engine metrics on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// BreakerConfig returns cfg with a failure filter that ignores caller
// cancellation, suitable for [WithCircuitBreaker].
func BreakerConfig(cfg resilience.CircuitBreakerConfig) resilience.CircuitBreakerConfig {
	cfg.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, context.Canceled)
	}
	return cfg
}

// Adapter wraps one [stt.Engine]. It is safe for concurrent use.
type Adapter struct {
	eng          stt.Engine
	decoder      stt.Decoder
	name         string
	breaker      *resilience.CircuitBreaker
	metrics      *observe.Metrics
	initTimeout  atomic.Int64
	startTimeout atomic.Int64
}

// New creates an Adapter for eng.
func New(eng stt.Engine, opts ...Option) (*Adapter, error) {
	if eng == nil {
		return nil, errors.New("engine: engine must not be nil")
	}
	a := &Adapter{eng: eng, name: "engine"}
	a.initTimeout.Store(int64(DefaultInitTimeout))
	a.startTimeout.Store(int64(DefaultStartTimeout))
	if d, ok := eng.(stt.Decoder); ok {
		a.decoder = d
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a, nil
}

// Name returns the engine name.
func (a *Adapter) Name() string { return a.name }

// SetTimeouts replaces the fail-safe timeouts for subsequent calls. Used by
// configuration hot reload.
func (a *Adapter) SetTimeouts(initTimeout, startTimeout time.Duration) {
	a.initTimeout.Store(int64(initTimeout))
	a.startTimeout.Store(int64(startTimeout))
}

// Timeouts returns the current Initialize and StartStream timeouts.
func (a *Adapter) Timeouts() (initTimeout, startTimeout time.Duration) {
	return time.Duration(a.initTimeout.Load()), time.Duration(a.startTimeout.Load())
}

// Initialize loads the model described by cfg. On success the caller owns the
// returned handle. All failures are [*InitError].
func (a *Adapter) Initialize(ctx context.Context, cfg stt.ModelConfig) (stt.Handle, error) {
	ctx, span := observe.StartEngineSpan(ctx, observe.SpanEngineInitialize, a.name, observe.AttrModel.String(cfg.ModelPath))

	start := time.Now()
	var h stt.Handle
	call := func() error {
		var err error
		h, err = bounded(ctx, time.Duration(a.initTimeout.Load()),
			func(ctx context.Context) (stt.Handle, error) { return a.eng.Initialize(ctx, cfg) },
			func(late stt.Handle) {
				if late == nil {
					return
				}
				observe.Logger(ctx).Warn("engine: releasing handle that arrived after timeout", "engine", a.name)
				if err := late.Release(); err != nil {
					a.metrics.RecordReleaseError(context.Background(), "engine_handle")
					slog.Warn("engine: release late handle", "engine", a.name, "err", err)
				}
			})
		if err == nil && h == nil {
			err = errors.New("engine returned a nil handle")
		}
		return err
	}

	var err error
	if a.breaker != nil {
		err = a.breaker.Execute(call)
	} else {
		err = call()
	}
	a.metrics.RecordEngineCall(ctx, "initialize", time.Since(start), err)
	observe.EndSpan(span, err)
	if err != nil {
		return nil, &InitError{Engine: a.name, Err: err}
	}
	return h, nil
}

// StartStream opens the audio session and the engine stream for h. On
// success the caller owns the returned stream. All failures are
// [*StreamStartError]; h stays owned by the caller either way.
func (a *Adapter) StartStream(ctx context.Context, h stt.Handle, audioCfg audio.SessionConfig) (stt.Stream, error) {
	ctx, span := observe.StartEngineSpan(ctx, observe.SpanEngineStartStream, a.name,
		observe.AttrAudioCategory.String(audioCfg.Category),
		observe.AttrAudioMode.String(audioCfg.Mode),
	)

	if h == nil {
		err := &StreamStartError{Engine: a.name, Err: errors.New("nil handle")}
		observe.EndSpan(span, err)
		return nil, err
	}

	start := time.Now()
	s, err := bounded(ctx, time.Duration(a.startTimeout.Load()),
		func(ctx context.Context) (stt.Stream, error) { return a.eng.StartStream(ctx, h, audioCfg) },
		func(late stt.Stream) {
			if late == nil {
				return
			}
			observe.Logger(ctx).Warn("engine: stopping stream that arrived after timeout", "engine", a.name)
			if err := late.Stop(); err != nil {
				a.metrics.RecordReleaseError(context.Background(), "stream")
				slog.Warn("engine: stop late stream", "engine", a.name, "err", err)
			}
		})
	if err == nil && s == nil {
		err = errors.New("engine returned a nil stream")
	}
	a.metrics.RecordEngineCall(ctx, "start_stream", time.Since(start), err)
	observe.EndSpan(span, err)
	if err != nil {
		return nil, &StreamStartError{Engine: a.name, Err: err}
	}
	return s, nil
}

// Decode extracts the fragment carried by ev.
func (a *Adapter) Decode(ev stt.Event) (stt.Fragment, error) {
	if a.decoder != nil {
		return a.decoder.DecodeEvent(ev)
	}
	return stt.DecodeRealtime(ev)
}

// bounded runs call with a deadline of timeout (none when timeout <= 0). If
// the deadline or ctx fires first, bounded returns the cause immediately and
// hands a resource that call still produces to orphan.
func bounded[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error), orphan func(T)) (T, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeoutCause(ctx, timeout, fmt.Errorf("%w after %v", ErrTimeout, timeout))
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := call(callCtx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		cancel()
		return r.v, r.err
	case <-callCtx.Done():
		cause := context.Cause(callCtx)
		go func() {
			defer cancel()
			r := <-ch
			if r.err == nil {
				orphan(r.v)
			}
		}()
		var zero T
		return zero, cause
	}
}
