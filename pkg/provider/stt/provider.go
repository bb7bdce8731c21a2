// Package stt defines the capability interface for live speech-to-text
// engines.
//
// An engine is used in two steps. [Engine.Initialize] loads a model and yields
// an opaque [Handle]; [Engine.StartStream] opens an audio session against that
// handle and yields a [Stream] whose [Stream.Events] channel carries
// engine-native [Event] payloads until the stream is stopped or the engine ends
// it. Payload decoding is not the engine's concern: callers decode events with
// the engine's own [Decoder] when it implements one, and with [DecodeRealtime]
// otherwise.
//
// Implementations must be safe for concurrent use. A Handle is released exactly
// once by its owner; a Stream's Stop is idempotent.
package stt

import (
	"context"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// AssetBundle describes a platform-specific companion asset for a model, such
// as a CoreML encoder package. It is passed through untouched; engines that do
// not use it ignore it.
type AssetBundle struct {
	// Filename is the bundle file or directory name
	// (e.g., "ggml-tiny.en-encoder.mlmodelc.zip").
	Filename string `yaml:"filename" json:"filename"`

	// Assets lists the files the bundle is built from, relative to Filename.
	Assets []string `yaml:"assets" json:"assets"`
}

// ModelConfig describes the model an engine should load. Validation of the
// engine-specific fields is left to the engine: an unknown language or a
// missing model file is reported by Initialize, not by the caller.
type ModelConfig struct {
	// ModelPath is the model file path or identifier (e.g., "ggml-tiny.en.bin").
	// Remote engines may treat it as a model name.
	ModelPath string `yaml:"path" json:"model_path"`

	// CoreML is the optional CoreML encoder bundle shipped alongside the model.
	CoreML *AssetBundle `yaml:"coreml,omitempty" json:"coreml,omitempty"`

	// Language is the recognition language (e.g., "en"). Empty selects the
	// engine default.
	Language string `yaml:"language" json:"language"`

	// Options carries free-form engine parameters.
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Handle is an initialized engine instance. It is owned by exactly one
// session and released exactly once.
type Handle interface {
	// Release frees the model and any native resources held by the handle.
	// The handle must not be used afterwards.
	Release() error
}

// Stream is a running transcription stream.
type Stream interface {
	// Events returns the engine-native event payloads in delivery order. The
	// channel is closed after Stop returns or when the engine ends the stream
	// on its own.
	Events() <-chan Event

	// Stop ends the stream and closes its audio session. Calling Stop more than
	// once is safe and returns nil.
	Stop() error
}

// Engine is the abstraction over any live recognition backend.
type Engine interface {
	// Initialize loads the model described by cfg. The returned Handle is owned
	// by the caller, who must call Release when done with it.
	//
	// Returns an error if the model or its assets cannot be loaded or ctx is
	// cancelled before loading finished.
	Initialize(ctx context.Context, cfg ModelConfig) (Handle, error)

	// StartStream opens an audio session described by audioCfg and starts
	// transcribing it with h. The supplied ctx governs the start attempt only;
	// the stream lives until Stop is called.
	//
	// Returns an error if the audio session cannot be opened (e.g., no
	// permission, device busy) or h is not a handle from this engine.
	StartStream(ctx context.Context, h Handle, audioCfg audio.SessionConfig) (Stream, error)
}

// Decoder is implemented by engines whose event payloads do not follow the
// realtime schema (see [RealtimeEvent]).
type Decoder interface {
	// DecodeEvent extracts the text fragment from ev. It returns
	// [ErrIgnoreEvent] for control messages that carry no result, and any other
	// error for payloads that are malformed.
	DecodeEvent(ev Event) (Fragment, error)
}
