// This file contains the NativeEngine implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Compile-time assertion that NativeEngine satisfies stt.Engine.
var _ stt.Engine = (*NativeEngine)(nil)

// NativeEngine implements stt.Engine using the whisper.cpp Go bindings (CGO).
// Initialize loads the model into process memory; Release frees it.
type NativeEngine struct {
	source audio.Source
	cfg    settings

	// load opens a model file.
	load func(path string) (whisperlib.Model, error)
}

// NewNative creates a NativeEngine capturing audio from src.
func NewNative(src audio.Source, opts ...Option) (*NativeEngine, error) {
	if src == nil {
		return nil, errors.New("whisper: audio source must not be nil")
	}
	e := &NativeEngine{
		source: src,
		cfg:    defaultSettings(),
		load:   whisperlib.New,
	}
	for _, o := range opts {
		o(&e.cfg)
	}
	return e, nil
}

// nativeHandle owns one loaded whisper.cpp model.
type nativeHandle struct {
	engine   *NativeEngine
	model    whisperlib.Model
	language string

	// inUse is read-held across every inference; Release write-locks it so
	// the model is never closed under a running whisper context.
	inUse sync.RWMutex

	mu       sync.Mutex
	released bool
}

// Release closes the model once no inference is running. Later calls return
// ErrHandleReleased.
func (h *nativeHandle) Release() error {
	h.inUse.Lock()
	defer h.inUse.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrHandleReleased
	}
	h.released = true
	if err := h.model.Close(); err != nil {
		return fmt.Errorf("whisper: close model: %w", err)
	}
	return nil
}

func (h *nativeHandle) isReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Initialize implements stt.Engine. It loads the model at cfg.ModelPath. The
// CoreML bundle, when present, must sit next to the model file where
// whisper.cpp looks for it; it is not opened here.
//
// Model loading cannot be interrupted once started; ctx is only checked
// beforehand.
func (e *NativeEngine) Initialize(ctx context.Context, cfg stt.ModelConfig) (stt.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if cfg.ModelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	model, err := e.load(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", cfg.ModelPath, err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = e.cfg.language
	}
	if cfg.CoreML != nil {
		slog.Debug("whisper: coreml encoder bundle configured", "bundle", cfg.CoreML.Filename)
	}
	return &nativeHandle{engine: e, model: model, language: lang}, nil
}

// StartStream implements stt.Engine. Each inference creates its own whisper
// context from the handle's model.
func (e *NativeEngine) StartStream(ctx context.Context, h stt.Handle, audioCfg audio.SessionConfig) (stt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	nh, ok := h.(*nativeHandle)
	if !ok || nh.engine != e {
		return nil, ErrForeignHandle
	}
	if nh.isReleased() {
		return nil, ErrHandleReleased
	}

	audioCfg = resolveFormat(audioCfg)
	capture, err := e.source.Open(ctx, audioCfg)
	if err != nil {
		return nil, fmt.Errorf("whisper: open audio session: %w", err)
	}

	channels := audioCfg.Channels
	infer := func(_ context.Context, pcm []byte) (string, error) {
		return nh.infer(pcmToMono(pcm, channels))
	}
	return newStream(capture, infer, e.cfg, audioCfg.SampleRate, channels), nil
}

func (h *nativeHandle) infer(samples []float32) (string, error) {
	h.inUse.RLock()
	defer h.inUse.RUnlock()
	if h.isReleased() {
		return "", ErrHandleReleased
	}
	return nativeInfer(h.model, h.language, samples)
}

// nativeInfer runs whisper.cpp over samples using a fresh context and returns
// the concatenated segment text.
func nativeInfer(model whisperlib.Model, language string, samples []float32) (string, error) {
	// Contexts are not thread-safe; the model may be shared.
	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", language, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
