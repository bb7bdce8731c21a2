package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInit matches every [*InitError] via errors.Is.
	ErrInit = errors.New("engine: initialize failed")

	// ErrStreamStart matches every [*StreamStartError] via errors.Is.
	ErrStreamStart = errors.New("engine: start stream failed")

	// ErrTimeout is the cause of a call abandoned after its fail-safe timeout.
	ErrTimeout = errors.New("engine: call timed out")
)

// InitError reports that the engine could not load the model (missing or
// corrupt model file, missing asset bundle, breaker open, timeout).
type InitError struct {
	Engine string
	Err    error
}

// Error implements error.
func (e *InitError) Error() string {
	return fmt.Sprintf("engine: initialize %s: %v", e.Engine, e.Err)
}

// Unwrap returns the engine's error.
func (e *InitError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrInit].
func (e *InitError) Is(target error) bool { return target == ErrInit }

// StreamStartError reports that the engine could not open the audio session
// or stream (no microphone permission, device busy, connection refused,
// timeout).
type StreamStartError struct {
	Engine string
	Err    error
}

// Error implements error.
func (e *StreamStartError) Error() string {
	return fmt.Sprintf("engine: start stream %s: %v", e.Engine, e.Err)
}

// Unwrap returns the engine's error.
func (e *StreamStartError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrStreamStart].
func (e *StreamStartError) Is(target error) bool { return target == ErrStreamStart }
