// Package guard provides scoped ownership of the resources a transcription
// session acquires: the engine handle, the running stream (which owns the
// audio capture) and the result subscription.
//
// A [Guard] records one release function per resource and runs them in
// reverse acquisition order when [Guard.Release] is called. Release is
// idempotent and best-effort: a releaser that fails, panics or does not return
// within the release timeout is reported as a [*ReleaseError] (logged, counted
// and handed to the optional hook) and never stops the remaining releasers.
// Resources acquired before a releaser that timed out are released only after
// it returns, on a background goroutine.
//
// All methods are safe for concurrent use.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/internal/observe"
)

// DefaultReleaseTimeout bounds a single releaser when no timeout is configured.
const DefaultReleaseTimeout = 5 * time.Second

// ErrReleaseTimeout is wrapped by a [ReleaseError] whose releaser did not
// return in time. The releaser keeps running in the background.
var ErrReleaseTimeout = errors.New("guard: release timed out")

// ReleaseError describes one failed release. It is never returned to callers
// of [Guard.Release]; it is logged and passed to the hook instead.
type ReleaseError struct {
	// SessionID is the session the resource belonged to.
	SessionID string

	// Resource is the name passed to [Guard.Acquire].
	Resource string

	// Err is the releaser's error, a recovered panic, or [ErrReleaseTimeout].
	Err error
}

// Error implements error.
func (e *ReleaseError) Error() string {
	return fmt.Sprintf("guard: release %s (session %s): %v", e.Resource, e.SessionID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ReleaseError) Unwrap() error { return e.Err }

// Option configures a [Guard].
type Option func(*Guard)

// WithTimeout bounds each releaser. Non-positive values select
// [DefaultReleaseTimeout].
func WithTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithHook registers fn to be called once for every failed release.
func WithHook(fn func(*ReleaseError)) Option {
	return func(g *Guard) { g.hook = fn }
}

// WithMetrics records release failures on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

type resource struct {
	name    string
	release func() error
}

// Guard owns the resources of one session.
type Guard struct {
	sessionID string
	timeout   time.Duration
	hook      func(*ReleaseError)
	metrics   *observe.Metrics

	mu        sync.Mutex
	resources []resource
	releasing bool
	done      chan struct{}
}

// New creates an empty Guard for the session identified by sessionID.
func New(sessionID string, opts ...Option) *Guard {
	g := &Guard{
		sessionID: sessionID,
		timeout:   DefaultReleaseTimeout,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Acquire hands ownership of a resource to the guard. release is called
// exactly once, by [Guard.Release].
//
// If Release has already started the resource is released immediately on the
// calling goroutine, so a resource that arrives after teardown is never
// orphaned.
func (g *Guard) Acquire(name string, release func() error) {
	if release == nil {
		return
	}
	g.mu.Lock()
	if g.releasing {
		g.mu.Unlock()
		slog.Debug("guard: releasing late resource", "session_id", g.sessionID, "resource", name)
		g.releaseOne(context.Background(), resource{name: name, release: release})
		return
	}
	g.resources = append(g.resources, resource{name: name, release: release})
	g.mu.Unlock()
}

// Len returns the number of resources currently held.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.resources)
}

// Released reports whether Release has completed.
func (g *Guard) Released() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Release runs every releaser in reverse acquisition order, each bounded by
// the release timeout. Only the first call does the work; concurrent and
// later calls wait until it finished or ctx is done.
//
// Cancelling ctx stops waiting for slow releasers (they are reported as
// timed out and keep running in the background); it never skips a releaser.
func (g *Guard) Release(ctx context.Context) {
	g.mu.Lock()
	if g.releasing {
		g.mu.Unlock()
		select {
		case <-g.done:
		case <-ctx.Done():
		}
		return
	}
	g.releasing = true
	held := g.resources
	g.resources = nil
	g.mu.Unlock()

	g.releaseAll(ctx, held)
	close(g.done)
}

// releaseAll releases held in reverse order. Once a releaser times out, the
// resources acquired before it are released on a background goroutine after
// that releaser has returned: a stream that is still stopping keeps its engine
// handle.
func (g *Guard) releaseAll(ctx context.Context, held []resource) {
	for i := len(held) - 1; i >= 0; i-- {
		finished := g.releaseOne(ctx, held[i])
		if finished == nil {
			continue
		}
		rest := held[:i]
		if len(rest) == 0 {
			return
		}
		slog.Warn("guard: deferring release of earlier resources", "session_id", g.sessionID, "after", held[i].name, "pending", len(rest))
		go func() {
			<-finished
			g.releaseAll(context.Background(), rest)
		}()
		return
	}
}

// releaseOne runs r.release on its own goroutine and waits for it up to the
// release timeout. When it stops waiting early it returns a channel that is
// closed once the releaser has returned; otherwise it returns nil.
func (g *Guard) releaseOne(ctx context.Context, r resource) <-chan struct{} {
	finished := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		defer close(finished)
		defer func() {
			if p := recover(); p != nil {
				errCh <- fmt.Errorf("panic: %v", p)
			}
		}()
		errCh <- r.release()
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	var (
		err     error
		pending <-chan struct{}
	)
	select {
	case err = <-errCh:
	case <-timer.C:
		err, pending = ErrReleaseTimeout, finished
	case <-ctx.Done():
		err, pending = fmt.Errorf("%w: %w", ErrReleaseTimeout, ctx.Err()), finished
	}
	if err == nil {
		return nil
	}

	re := &ReleaseError{SessionID: g.sessionID, Resource: r.name, Err: err}
	slog.Warn("guard: release failed", "session_id", g.sessionID, "resource", r.name, "err", err)
	g.metrics.RecordReleaseError(context.Background(), r.name)
	if g.hook != nil {
		g.hook(re)
	}
	return pending
}
