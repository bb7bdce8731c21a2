package audio

import "time"

// Frame represents a single chunk of captured audio.
type Frame struct {
	// Data holds 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for whisper.cpp).
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame. Returns 0 when the
// format fields are unset.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
