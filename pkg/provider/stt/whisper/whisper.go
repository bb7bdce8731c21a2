// Package whisper provides whisper.cpp-backed live transcription engines.
//
// Engine talks to a running whisper.cpp `server` binary over HTTP; NativeEngine
// links whisper.cpp through its CGO bindings. Both simulate streaming on top
// of a batch recognizer the same way: captured PCM is segmented into
// utterances with an energy-based silence detector, the growing utterance is
// periodically re-transcribed and emitted as a partial result, and the
// completed utterance is transcribed once more and emitted as final.
//
// Events follow the realtime schema of stt.RealtimeEvent.
//
// Usage:
//
//	eng, err := whisper.New("http://localhost:8080", pcm.New("-"),
//	    whisper.WithLanguage("en"),
//	    whisper.WithSilenceThresholdMs(500),
//	)
//	h, err := eng.Initialize(ctx, stt.ModelConfig{ModelPath: "models/ggml-base.en.bin"})
//	s, err := eng.StartStream(ctx, h, audio.DefaultSessionConfig())
//	for ev := range s.Events() { ... }
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Compile-time assertion that Engine implements stt.Engine.
var _ stt.Engine = (*Engine)(nil)

var (
	// ErrForeignHandle is returned by StartStream for handles that were not
	// created by the same engine.
	ErrForeignHandle = errors.New("whisper: handle was not created by this engine")

	// ErrHandleReleased is returned by StartStream for released handles.
	ErrHandleReleased = errors.New("whisper: handle already released")
)

// Engine implements stt.Engine backed by a whisper.cpp HTTP server.
type Engine struct {
	serverURL  string
	source     audio.Source
	cfg        settings
	httpClient *http.Client
}

// New creates an Engine that connects to the whisper.cpp server at serverURL
// (e.g., "http://localhost:8080") and captures audio from src. serverURL and
// src must be non-nil.
func New(serverURL string, src audio.Source, opts ...Option) (*Engine, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	if src == nil {
		return nil, errors.New("whisper: audio source must not be nil")
	}
	e := &Engine{
		serverURL: serverURL,
		source:    src,
		cfg:       defaultSettings(),
	}
	for _, o := range opts {
		o(&e.cfg)
	}
	e.httpClient = e.cfg.httpClient
	if e.httpClient == nil {
		e.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return e, nil
}

// httpHandle is an initialized server-side model.
type httpHandle struct {
	id       string
	engine   *Engine
	language string
	released atomic.Bool
}

// Release implements stt.Handle. The whisper.cpp server keeps the model loaded
// after the session ends, so releasing only invalidates the handle.
func (h *httpHandle) Release() error {
	if h.released.Swap(true) {
		return ErrHandleReleased
	}
	return nil
}

// Initialize implements stt.Engine. When cfg.ModelPath is set the server is
// asked to load that model (POST /load); otherwise the server is probed to make
// sure it is reachable and serving its startup model.
func (e *Engine) Initialize(ctx context.Context, cfg stt.ModelConfig) (stt.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	var (
		req *http.Request
		err error
	)
	if cfg.ModelPath != "" {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		if err := mw.WriteField("model", cfg.ModelPath); err != nil {
			return nil, fmt.Errorf("whisper: write model field: %w", err)
		}
		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+"/load", &body)
		if err == nil {
			req.Header.Set("Content-Type", mw.FormDataContentType())
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+"/", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", cfg.ModelPath, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("whisper: load model %q: server returned HTTP %d", cfg.ModelPath, resp.StatusCode)
	}

	lang := cfg.Language
	if lang == "" {
		lang = e.cfg.language
	}
	return &httpHandle{id: uuid.NewString(), engine: e, language: lang}, nil
}

// StartStream implements stt.Engine. It opens a capture from the engine's
// audio source and starts segmenting it.
func (e *Engine) StartStream(ctx context.Context, h stt.Handle, audioCfg audio.SessionConfig) (stt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	hh, ok := h.(*httpHandle)
	if !ok || hh.engine != e {
		return nil, ErrForeignHandle
	}
	if hh.released.Load() {
		return nil, ErrHandleReleased
	}

	audioCfg = resolveFormat(audioCfg)
	capture, err := e.source.Open(ctx, audioCfg)
	if err != nil {
		return nil, fmt.Errorf("whisper: open audio session: %w", err)
	}

	sr, ch := audioCfg.SampleRate, audioCfg.Channels
	infer := func(ctx context.Context, pcm []byte) (string, error) {
		return e.infer(ctx, pcm, sr, ch, hh.language)
	}
	return newStream(capture, infer, e.cfg, sr, ch), nil
}

// infer encodes pcm as a WAV file and POSTs it to the whisper.cpp /inference
// endpoint as multipart/form-data. It returns the transcribed text.
func (e *Engine) infer(ctx context.Context, pcm []byte, sampleRate, channels int, language string) (string, error) {
	wav := encodeWAV(pcm, sampleRate, channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a RIFF/WAV
// container suitable for a multipart upload.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM sub-chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitsPerSample))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
