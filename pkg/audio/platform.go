// Package audio defines the capture side of a transcription session: the
// platform audio-session configuration that is forwarded verbatim to the OS
// audio layer, and the narrow interfaces through which engines obtain PCM
// frames.
//
// The two primary abstractions are:
//
//   - [Source] opens a capture for one session using a [SessionConfig].
//   - [Capture] is an open native audio session delivering [Frame] values until
//     it is closed.
//
// Implementations live in sub-packages (audio/pcm for raw PCM from a file or
// stdin, audio/mock for tests). Hardware access stays outside this module; a
// [Source] is the only thing the recognition engines see of it.
package audio

import (
	"context"
)

// Audio session categories, options and modes understood by mobile audio
// stacks. They are hints only: nothing in this module interprets them beyond
// passing them along.
const (
	CategoryPlayAndRecord = "PlayAndRecord"
	CategoryRecord        = "Record"

	OptionMixWithOthers    = "MixWithOthers"
	OptionAllowBluetooth   = "AllowBluetooth"
	OptionDefaultToSpeaker = "DefaultToSpeaker"

	ModeDefault     = "Default"
	ModeMeasurement = "Measurement"
	ModeVoiceChat   = "VoiceChat"
)

// SessionConfig carries platform audio-routing hints together with the PCM
// format the engine expects. Category, Options and Mode are forwarded
// verbatim; SampleRate and Channels describe the frames a [Capture] delivers.
type SessionConfig struct {
	// Category is the audio session category (e.g., "PlayAndRecord").
	Category string `yaml:"category" json:"category"`

	// Options lists category options (e.g., "MixWithOthers").
	Options []string `yaml:"options" json:"options"`

	// Mode is the audio session mode (e.g., "Default").
	Mode string `yaml:"mode" json:"mode"`

	// SampleRate in Hz. Zero lets the engine choose its default (16000 for
	// whisper.cpp).
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the channel count of captured frames. Zero means mono.
	Channels int `yaml:"channels" json:"channels"`
}

// DefaultSessionConfig returns the configuration the voice screen used on
// iOS: play-and-record, mixed with other audio, default mode, 16 kHz mono.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Category:   CategoryPlayAndRecord,
		Options:    []string{OptionMixWithOthers},
		Mode:       ModeDefault,
		SampleRate: 16000,
		Channels:   1,
	}
}

// Capture is an open audio session. Frames are delivered on the channel
// returned by [Capture.Frames] until the capture ends (input exhausted or
// Close called), at which point the channel is closed.
//
// Implementations must be safe for concurrent use. Close is idempotent.
type Capture interface {
	// Frames returns the read-only stream of captured audio.
	Frames() <-chan Frame

	// Close stops capturing and releases the native audio session. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Source opens captures. A Source is shared across sessions; each call to
// Open yields an independent [Capture] owned by the caller.
type Source interface {
	// Open starts capturing with cfg. The supplied ctx governs the open
	// attempt only; the capture stays alive until Close is called.
	Open(ctx context.Context, cfg SessionConfig) (Capture, error)
}
