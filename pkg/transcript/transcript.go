// Package transcript defines the canonical transcription result delivered to
// subscribers of a live session.
package transcript

import (
	"log/slog"
	"time"
)

// Result is one normalized unit of transcribed text. Results are values:
// once delivered they are never modified.
//
// Partial results (IsFinal false) carry the whole in-progress utterance and
// may be superseded by a later result; a final result completes its
// utterance.
type Result struct {
	// SessionID identifies the session that produced the result.
	SessionID string `json:"session_id"`

	// Sequence is 1 for the first result of a session and increases by one
	// with every delivered result.
	Sequence uint64 `json:"sequence"`

	// Text is the transcribed text.
	Text string `json:"text"`

	// IsFinal reports whether the utterance is complete.
	IsFinal bool `json:"is_final"`

	// Timestamp is when the engine produced the underlying event.
	Timestamp time.Time `json:"timestamp"`

	// Offset is the start of the utterance relative to stream start. Zero
	// when the engine does not report it.
	Offset time.Duration `json:"offset"`
}

// Subscriber receives the results of one session, in order, on a single
// goroutine. It must not block for long: delivery of later results waits for
// it to return.
type Subscriber func(Result)

// Tee returns a Subscriber that hands every result to each non-nil subscriber
// in argument order. A panicking subscriber is logged and does not prevent
// delivery to the others.
func Tee(subs ...Subscriber) Subscriber {
	var live []Subscriber
	for _, s := range subs {
		if s != nil {
			live = append(live, s)
		}
	}
	return func(r Result) {
		for _, s := range live {
			deliver(s, r)
		}
	}
}

func deliver(s Subscriber, r Result) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("transcript subscriber panicked", "session_id", r.SessionID, "sequence", r.Sequence, "panic", p)
		}
	}()
	s(r)
}
