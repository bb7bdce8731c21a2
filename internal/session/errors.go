package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyActive matches every [*AlreadyActiveError] via errors.Is.
	ErrAlreadyActive = errors.New("session: a session is already active")

	// ErrStartCanceled is returned by Start when Stop was called while the
	// engine was initializing. The session was cleaned up without recording.
	ErrStartCanceled = errors.New("session: start canceled by stop")

	// ErrClosed is returned by Start after Close was called.
	ErrClosed = errors.New("session: controller closed")
)

// AlreadyActiveError is returned by Start while a session is not idle. The
// active session is not affected.
type AlreadyActiveError struct {
	SessionID string
	State     State
}

// Error implements error.
func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("session: a session is already active (id=%s, state=%s)", e.SessionID, e.State)
}

// Is reports whether target is [ErrAlreadyActive].
func (e *AlreadyActiveError) Is(target error) bool { return target == ErrAlreadyActive }
