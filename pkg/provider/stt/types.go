package stt

import (
	"errors"
	"time"
)

// ErrIgnoreEvent is returned by a [Decoder] for events that are well formed
// but carry no transcription (keep-alives, metadata, utterance markers).
var ErrIgnoreEvent = errors.New("stt: event carries no result")

// Event is one raw payload delivered by an engine. The payload schema is owned
// by the engine.
type Event struct {
	// Payload is the engine-native encoding, usually a JSON object.
	Payload []byte

	// ReceivedAt is the wall-clock time the engine produced the event.
	ReceivedAt time.Time
}

// Fragment is the decoded content of one event.
type Fragment struct {
	// Text is the transcribed text. Partials carry the whole in-progress
	// utterance, not a delta.
	Text string

	// IsFinal reports that the utterance is complete and will not be revised.
	IsFinal bool

	// Offset is the start of the utterance relative to stream start, when the
	// engine reports it.
	Offset time.Duration
}
