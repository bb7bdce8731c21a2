package session

import "time"

// State is a phase of the session lifecycle.
type State string

const (
	// StateIdle means no session exists. It is the initial state and the
	// state every session returns to.
	StateIdle State = "idle"

	// StateInitializing means the engine is loading the model or opening the
	// stream.
	StateInitializing State = "initializing"

	// StateRecording means results are being delivered to the subscriber.
	StateRecording State = "recording"

	// StateStopping means the session's resources are being released after a
	// stop request.
	StateStopping State = "stopping"

	// StateFailed means initialization or the stream failed and the session's
	// resources are being released.
	StateFailed State = "failed"
)

// Session is a snapshot of the current session.
type Session struct {
	// ID is the session token; empty when State is StateIdle.
	ID string `json:"id,omitempty"`

	State State `json:"state"`

	// StartedAt is when Start was called.
	StartedAt time.Time `json:"started_at,omitzero"`

	// HasHandle reports whether the session holds an engine handle. It is true
	// exactly in StateRecording and StateStopping.
	HasHandle bool `json:"has_handle"`
}

// Token identifies the session a successful Start created.
type Token struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// StateListener is notified after every state transition, in transition
// order. It must not call Start, Stop or Close.
type StateListener func(from State, to Session)
