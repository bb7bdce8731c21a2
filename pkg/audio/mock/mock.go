// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Capture] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	capture := mock.NewCapture(16)
//	src := &mock.Source{OpenResult: capture}
//	capture.Push(audio.Frame{Data: pcm, SampleRate: 16000, Channels: 1})
//	capture.End()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture] backed by a buffered
// channel. Create it with [NewCapture].
type Capture struct {
	mu sync.Mutex

	frames chan audio.Frame
	ended  bool

	// CloseError is returned by [Capture.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCapture returns a Capture whose frame channel holds up to buffer frames.
func NewCapture(buffer int) *Capture {
	return &Capture{frames: make(chan audio.Frame, buffer)}
}

// Push queues f for delivery. It blocks while the buffer is full and drops the
// frame once the capture has ended or been closed.
func (c *Capture) Push(f audio.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.frames <- f
}

// End closes the frame channel as a real capture does when its input is
// exhausted. Safe to call more than once.
func (c *Capture) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.end()
}

func (c *Capture) end() {
	if !c.ended {
		c.ended = true
		close(c.frames)
	}
}

// Frames implements [audio.Capture].
func (c *Capture) Frames() <-chan audio.Frame {
	return c.frames
}

// Close implements [audio.Capture]. It ends the capture, records the call, and
// returns CloseError.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.end()
	return c.CloseError
}

// Closed reports whether Close has been called at least once.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose > 0
}

var _ audio.Capture = (*Capture)(nil)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// OpenResult is returned by [Source.Open]. When nil, Open returns a fresh
	// Capture with an 8-frame buffer.
	OpenResult audio.Capture

	// OpenError, if non-nil, is returned by [Source.Open].
	OpenError error

	// OpenCalls records the SessionConfig of every Open call, in order.
	OpenCalls []audio.SessionConfig
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context, cfg audio.SessionConfig) (audio.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, cfg)
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	if s.OpenResult != nil {
		return s.OpenResult, nil
	}
	return NewCapture(8), nil
}

// CallCountOpen returns the number of Open calls.
func (s *Source) CallCountOpen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

var _ audio.Source = (*Source)(nil)
