// Package deepgram provides a live transcription engine backed by the
// Deepgram streaming WebSocket API.
//
// Initialize resolves the model and recognition parameters; Deepgram keeps no
// server-side state per model, so the handle is a parameter set. StartStream
// opens an audio capture and a WebSocket, pumps PCM to Deepgram and forwards
// every server message verbatim as an event. The Engine implements
// stt.Decoder for those messages.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// keywordsOption is the ModelConfig.Options key holding comma-separated
	// "word:boost" pairs (e.g., "livescribe:5,whisper:2").
	keywordsOption = "keywords"
)

var (
	_ stt.Engine  = (*Engine)(nil)
	_ stt.Decoder = (*Engine)(nil)
)

var (
	// ErrForeignHandle is returned by StartStream for handles that were not
	// created by the same engine.
	ErrForeignHandle = errors.New("deepgram: handle was not created by this engine")

	// ErrHandleReleased is returned for handles that were already released.
	ErrHandleReleased = errors.New("deepgram: handle already released")
)

// Option is a functional option for configuring the Deepgram Engine.
type Option func(*Engine)

// WithModel sets the default Deepgram model (e.g., "nova-3", "base"). A
// non-empty ModelConfig.ModelPath overrides it.
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithLanguage sets the default BCP-47 language code (e.g., "en", "de-DE"). A
// non-empty ModelConfig.Language overrides it.
func WithLanguage(language string) Option {
	return func(e *Engine) { e.language = language }
}

// WithEndpoint overrides the streaming endpoint URL. Used for self-hosted
// deployments and tests.
func WithEndpoint(endpoint string) Option {
	return func(e *Engine) { e.endpoint = endpoint }
}

// Engine implements stt.Engine backed by the Deepgram streaming API.
type Engine struct {
	apiKey   string
	source   audio.Source
	endpoint string
	model    string
	language string
}

// New creates a Deepgram Engine capturing audio from src. apiKey must be
// non-empty.
func New(apiKey string, src audio.Source, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	if src == nil {
		return nil, errors.New("deepgram: audio source must not be nil")
	}
	e := &Engine{
		apiKey:   apiKey,
		source:   src,
		endpoint: deepgramEndpoint,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// keyword is one recognition boost hint.
type keyword struct {
	word  string
	boost float64
}

// handle carries the resolved recognition parameters.
type handle struct {
	engine   *Engine
	model    string
	language string
	keywords []keyword
	released atomic.Bool
}

// Release implements stt.Handle.
func (h *handle) Release() error {
	if h.released.Swap(true) {
		return ErrHandleReleased
	}
	return nil
}

// Initialize implements stt.Engine. It validates the keyword hints in
// cfg.Options and resolves the model and language.
func (e *Engine) Initialize(ctx context.Context, cfg stt.ModelConfig) (stt.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("deepgram: context already cancelled: %w", err)
	}
	kws, err := parseKeywords(cfg.Options[keywordsOption])
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}
	h := &handle{engine: e, model: e.model, language: e.language, keywords: kws}
	if cfg.ModelPath != "" {
		h.model = cfg.ModelPath
	}
	if cfg.Language != "" {
		h.language = cfg.Language
	}
	return h, nil
}

func parseKeywords(raw string) ([]keyword, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []keyword
	for _, part := range strings.Split(raw, ",") {
		word, boost, found := strings.Cut(strings.TrimSpace(part), ":")
		if word == "" {
			return nil, fmt.Errorf("invalid keyword %q", part)
		}
		kw := keyword{word: word, boost: 1}
		if found {
			b, err := strconv.ParseFloat(boost, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid boost for keyword %q: %w", word, err)
			}
			kw.boost = b
		}
		out = append(out, kw)
	}
	return out, nil
}

// StartStream implements stt.Engine. It opens the audio capture first and the
// WebSocket second; if dialling fails the capture is closed again.
func (e *Engine) StartStream(ctx context.Context, h stt.Handle, audioCfg audio.SessionConfig) (stt.Stream, error) {
	dh, ok := h.(*handle)
	if !ok || dh.engine != e {
		return nil, ErrForeignHandle
	}
	if dh.released.Load() {
		return nil, ErrHandleReleased
	}
	if audioCfg.SampleRate <= 0 {
		audioCfg.SampleRate = defaultSampleRate
	}
	if audioCfg.Channels <= 0 {
		audioCfg.Channels = 1
	}

	wsURL, err := e.buildURL(dh, audioCfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	capture, err := e.source.Open(ctx, audioCfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: open audio session: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+e.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		_ = capture.Close()
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		conn:    conn,
		capture: capture,
		events:  make(chan stt.Event, 64),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	s.writeWG.Add(1)
	s.readWG.Add(1)
	go s.writeLoop(loopCtx)
	go s.readLoop(loopCtx)
	return s, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for one stream.
func (e *Engine) buildURL(h *handle, audioCfg audio.SessionConfig) (string, error) {
	u, err := url.Parse(e.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", h.model)
	q.Set("language", h.language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(audioCfg.SampleRate))
	q.Set("channels", strconv.Itoa(audioCfg.Channels))
	for _, kw := range h.keywords {
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.word, kw.boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// stream is a live Deepgram streaming session. It implements stt.Stream.
type stream struct {
	conn    *websocket.Conn
	capture audio.Capture
	events  chan stt.Event

	done    chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
	writeWG sync.WaitGroup
	readWG  sync.WaitGroup
}

// Events implements stt.Stream.
func (s *stream) Events() <-chan stt.Event { return s.events }

// Stop closes the capture and the WebSocket and waits for both loops to exit.
// Results Deepgram has not delivered yet are discarded.
func (s *stream) Stop() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.capture.Close()
		s.writeWG.Wait()
		_ = s.conn.Close(websocket.StatusNormalClosure, "stream stopped")
		s.cancel()
		s.readWG.Wait()
	})
	return err
}

// writeLoop forwards captured PCM to Deepgram. When the capture ends on its
// own it asks Deepgram to flush and close the stream.
func (s *stream) writeLoop(ctx context.Context) {
	defer s.writeWG.Done()
	frames := s.capture.Frames()
	for {
		select {
		case <-s.done:
			return
		case f, ok := <-frames:
			if !ok {
				select {
				case <-s.done:
				default:
					_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
				}
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, f.Data); err != nil {
				return
			}
		}
	}
}

// readLoop forwards every server message as a raw event until the connection
// closes.
func (s *stream) readLoop(ctx context.Context) {
	defer s.readWG.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or cancellation.
			return
		}
		select {
		case s.events <- stt.Event{Payload: msg, ReceivedAt: time.Now()}:
		case <-s.done:
			return
		}
	}
}

// ---- decoding ----

// response is the JSON structure of a Deepgram streaming message. Only
// messages of type "Results" carry transcripts.
type response struct {
	Type    string  `json:"type"`
	IsFinal bool    `json:"is_final"`
	Start   float64 `json:"start"`
	Channel *struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// DecodeEvent implements stt.Decoder. Messages other than "Results"
// (Metadata, SpeechStarted, UtteranceEnd) and interim results without text
// yield stt.ErrIgnoreEvent. An empty final result is passed on: it closes the
// utterance a preceding interim result opened.
func (e *Engine) DecodeEvent(ev stt.Event) (stt.Fragment, error) {
	var resp response
	if err := json.Unmarshal(ev.Payload, &resp); err != nil {
		return stt.Fragment{}, fmt.Errorf("deepgram: decode message: %w", err)
	}
	if resp.Type != "Results" {
		return stt.Fragment{}, stt.ErrIgnoreEvent
	}
	if resp.Channel == nil || len(resp.Channel.Alternatives) == 0 {
		return stt.Fragment{}, errors.New("deepgram: decode message: results without alternatives")
	}
	text := resp.Channel.Alternatives[0].Transcript
	if text == "" && !resp.IsFinal {
		// Interim results during silence.
		return stt.Fragment{}, stt.ErrIgnoreEvent
	}
	return stt.Fragment{
		Text:    text,
		IsFinal: resp.IsFinal,
		Offset:  time.Duration(resp.Start * float64(time.Second)),
	}, nil
}
