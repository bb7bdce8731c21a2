// Package mock provides test doubles for the stt package interfaces.
//
// Engine records every call, can block Initialize and StartStream on gates to
// simulate slow engines, injects errors, and tracks how many handles are live
// at once. Streams emit events in the realtime schema so that callers decode
// them with stt.DecodeRealtime.
//
// Example:
//
//	eng := &mock.Engine{}
//	h, _ := eng.Initialize(ctx, stt.ModelConfig{ModelPath: "tiny.bin"})
//	s, _ := eng.StartStream(ctx, h, audio.DefaultSessionConfig())
//	eng.LastStream().EmitPartial("hel")
//	_ = s.Stop()
//	_ = h.Release()
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Errors returned by the mock for misuse that a real engine would also reject.
var (
	ErrForeignHandle  = errors.New("mock: handle was not created by this engine")
	ErrHandleReleased = errors.New("mock: handle already released")
	ErrStreamStopped  = errors.New("mock: stream stopped")
)

// Engine is a mock implementation of stt.Engine.
type Engine struct {
	mu sync.Mutex

	// InitializeFunc, if non-nil, decides the outcome of Initialize and takes
	// precedence over InitializeErr. It runs after InitGate opened.
	InitializeFunc func(cfg stt.ModelConfig) error

	// InitializeErr, if non-nil, is returned by Initialize.
	InitializeErr error

	// StartStreamErr, if non-nil, is returned by StartStream.
	StartStreamErr error

	// InitGate, if non-nil, blocks Initialize until the channel is closed. The
	// context is ignored while waiting, as with an unresponsive native engine.
	InitGate chan struct{}

	// StartGate, if non-nil, blocks StartStream until the channel is closed.
	StartGate chan struct{}

	// StopGate, if non-nil, blocks the first Stream.Stop after the event
	// channel closed until the channel is closed, as with an engine that
	// finishes an inference before it lets go of the stream.
	StopGate chan struct{}

	// ReleaseErr, if non-nil, is returned by Handle.Release after the handle
	// was released.
	ReleaseErr error

	// StopErr, if non-nil, is returned by Stream.Stop after the stream was
	// stopped.
	StopErr error

	// EventBuffer is the capacity of each stream's event channel. Defaults to
	// 64.
	EventBuffer int

	// InitializeCalls records the ModelConfig of every Initialize call.
	InitializeCalls []stt.ModelConfig

	// StartStreamCalls records the SessionConfig of every StartStream call.
	StartStreamCalls []audio.SessionConfig

	handles []*Handle
	streams []*Stream
	live    int
	maxLive int
}

// Initialize implements stt.Engine.
func (e *Engine) Initialize(ctx context.Context, cfg stt.ModelConfig) (stt.Handle, error) {
	e.mu.Lock()
	e.InitializeCalls = append(e.InitializeCalls, cfg)
	gate := e.InitGate
	e.mu.Unlock()

	if gate != nil {
		<-gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.InitializeErr
	if e.InitializeFunc != nil {
		err = e.InitializeFunc(cfg)
	}
	if err != nil {
		return nil, err
	}
	h := &Handle{ID: fmt.Sprintf("handle-%d", len(e.handles)+1), engine: e, Config: cfg}
	e.handles = append(e.handles, h)
	e.live++
	if e.live > e.maxLive {
		e.maxLive = e.live
	}
	return h, nil
}

// StartStream implements stt.Engine.
func (e *Engine) StartStream(ctx context.Context, h stt.Handle, cfg audio.SessionConfig) (stt.Stream, error) {
	e.mu.Lock()
	e.StartStreamCalls = append(e.StartStreamCalls, cfg)
	gate := e.StartGate
	e.mu.Unlock()

	if gate != nil {
		<-gate
	}

	mh, ok := h.(*Handle)
	if !ok || mh.engine != e {
		return nil, ErrForeignHandle
	}
	if mh.Released() {
		return nil, ErrHandleReleased
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StartStreamErr != nil {
		return nil, e.StartStreamErr
	}
	size := e.EventBuffer
	if size <= 0 {
		size = 64
	}
	s := &Stream{
		Handle:   mh,
		stopErr:  e.StopErr,
		stopGate: e.StopGate,
		events:   make(chan stt.Event, size),
		done:     make(chan struct{}),
	}
	e.streams = append(e.streams, s)
	return s, nil
}

// LiveHandles returns the number of handles initialized but not yet released.
func (e *Engine) LiveHandles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live
}

// MaxLiveHandles returns the highest number of simultaneously live handles
// observed so far.
func (e *Engine) MaxLiveHandles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxLive
}

// Handles returns every handle created so far, in creation order.
func (e *Engine) Handles() []*Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Handle(nil), e.handles...)
}

// Streams returns every stream started so far, in start order.
func (e *Engine) Streams() []*Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Stream(nil), e.streams...)
}

// LastStream returns the most recently started stream, or nil.
func (e *Engine) LastStream() *Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.streams) == 0 {
		return nil
	}
	return e.streams[len(e.streams)-1]
}

// CallCountInitialize returns the number of Initialize calls.
func (e *Engine) CallCountInitialize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.InitializeCalls)
}

// CallCountStartStream returns the number of StartStream calls.
func (e *Engine) CallCountStartStream() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.StartStreamCalls)
}

func (e *Engine) released() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live--
}

var _ stt.Engine = (*Engine)(nil)

// ─── Handle ───────────────────────────────────────────────────────────────────

// Handle is the mock engine handle.
type Handle struct {
	mu sync.Mutex

	// ID identifies the handle in test output.
	ID string

	// Config is the ModelConfig the handle was initialized with.
	Config stt.ModelConfig

	engine       *Engine
	releaseCount int
}

// Release implements stt.Handle. The first call frees the handle; later calls
// return ErrHandleReleased.
func (h *Handle) Release() error {
	h.mu.Lock()
	h.releaseCount++
	first := h.releaseCount == 1
	h.mu.Unlock()

	if !first {
		return ErrHandleReleased
	}
	h.engine.released()

	h.engine.mu.Lock()
	err := h.engine.ReleaseErr
	h.engine.mu.Unlock()
	return err
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releaseCount > 0
}

// ReleaseCount returns how many times Release was called.
func (h *Handle) ReleaseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releaseCount
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is the mock transcription stream. Tests drive it with the Emit
// methods.
type Stream struct {
	mu sync.Mutex

	// Handle is the handle the stream was started with.
	Handle *Handle

	stopErr   error
	stopGate  chan struct{}
	events    chan stt.Event
	done      chan struct{}
	sending   sync.WaitGroup
	closed    bool
	stopCount int
	slice     int
	started   time.Time
}

// Events implements stt.Stream.
func (s *Stream) Events() <-chan stt.Event { return s.events }

// Stop implements stt.Stream.
func (s *Stream) Stop() error {
	s.mu.Lock()
	s.stopCount++
	first := s.stopCount == 1
	s.mu.Unlock()

	s.finish()
	if !first {
		return nil
	}
	if s.stopGate != nil {
		<-s.stopGate
	}
	return s.stopErr
}

// End closes the event channel as an engine does when it ends the stream on
// its own (device lost, model crashed). It does not count as a Stop.
func (s *Stream) End() {
	s.finish()
}

func (s *Stream) finish() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.sending.Wait()
	close(s.events)
}

// StopCount returns how many times Stop was called.
func (s *Stream) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount
}

// Stopped reports whether the event channel has been closed.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit delivers ev to the consumer. It blocks until the event is buffered or
// the stream ends, and reports whether the event was delivered.
func (s *Stream) Emit(ev stt.Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.sending.Add(1)
	s.mu.Unlock()
	defer s.sending.Done()

	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// EmitRaw delivers payload verbatim.
func (s *Stream) EmitRaw(payload string) bool {
	return s.Emit(stt.Event{Payload: []byte(payload), ReceivedAt: time.Now()})
}

// EmitPartial delivers an in-progress realtime result.
func (s *Stream) EmitPartial(text string) bool {
	return s.emitResult(text, false)
}

// EmitFinal delivers a completed realtime result and advances the slice
// index.
func (s *Stream) EmitFinal(text string) bool {
	return s.emitResult(text, true)
}

func (s *Stream) emitResult(text string, final bool) bool {
	s.mu.Lock()
	if s.started.IsZero() {
		s.started = time.Now()
	}
	slice := s.slice
	if final {
		s.slice++
	}
	recording := time.Since(s.started)
	s.mu.Unlock()

	return s.Emit(stt.NewRealtimeEvent(slice, text, final, recording, 0, nil))
}

var (
	_ stt.Handle = (*Handle)(nil)
	_ stt.Stream = (*Stream)(nil)
)
