package whisper

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

const (
	// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM
	// audio that whisper.cpp expects.
	bitsPerSample = 16

	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which audio is considered silent. The maximum possible value
	// for 16-bit audio is 32 767; 300 corresponds to near-silence.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
	defaultPartialIntervalMs   = 1000
)

// settings holds the segmentation parameters shared by both whisper engines.
type settings struct {
	language            string
	silenceThresholdMs  int
	maxBufferDurationMs int
	partialIntervalMs   int
	rmsThreshold        float64
	httpClient          *http.Client
}

func defaultSettings() settings {
	return settings{
		language:            defaultLanguage,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		partialIntervalMs:   defaultPartialIntervalMs,
		rmsThreshold:        defaultRMSThreshold,
	}
}

// Option configures either whisper engine.
type Option func(*settings)

// WithLanguage sets the default recognition language (e.g., "en", "de"). A
// non-empty ModelConfig.Language overrides it per handle. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(s *settings) { s.language = lang }
}

// WithSilenceThresholdMs sets the consecutive-silence duration (in
// milliseconds) that ends an utterance and produces a final result. Shorter
// values are more responsive at the cost of splitting utterances. Defaults to
// 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(s *settings) { s.silenceThresholdMs = ms }
}

// WithMaxBufferDurationMs sets the maximum utterance length (in milliseconds)
// after which a final result is forced regardless of silence. Defaults to
// 10 000 ms.
func WithMaxBufferDurationMs(ms int) Option {
	return func(s *settings) { s.maxBufferDurationMs = ms }
}

// WithPartialIntervalMs sets how much new speech (in milliseconds of captured
// audio) must accumulate before the growing utterance is re-transcribed and
// emitted as a partial result. Zero disables partials. Defaults to 1000 ms.
func WithPartialIntervalMs(ms int) Option {
	return func(s *settings) { s.partialIntervalMs = ms }
}

// WithRMSThreshold sets the energy level below which a frame counts as
// silence. Defaults to 300.
func WithRMSThreshold(rms float64) Option {
	return func(s *settings) { s.rmsThreshold = rms }
}

// WithHTTPClient replaces the HTTP client the HTTP engine uses for all server
// requests. Defaults to a client with a 30 s timeout. NativeEngine ignores it.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// inferFunc transcribes one buffer of PCM audio.
type inferFunc func(ctx context.Context, pcm []byte) (string, error)

// stream is a running whisper transcription stream. It implements stt.Stream
// for both engines; only the inference step differs. All mutable state that
// drives silence detection and buffering is confined to the processLoop
// goroutine.
type stream struct {
	capture    audio.Capture
	infer      inferFunc
	cfg        settings
	sampleRate int
	channels   int

	events chan stt.Event
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func newStream(capture audio.Capture, infer inferFunc, cfg settings, sampleRate, channels int) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		capture:    capture,
		infer:      infer,
		cfg:        cfg,
		sampleRate: sampleRate,
		channels:   channels,
		events:     make(chan stt.Event, 64),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s
}

// Events implements stt.Stream.
func (s *stream) Events() <-chan stt.Event { return s.events }

// Stop closes the audio capture, cancels any in-flight inference and closes
// the events channel. Buffered speech is discarded. Calling Stop more than once
// is safe and returns nil.
func (s *stream) Stop() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		err = s.capture.Close()
		s.wg.Wait()
	})
	return err
}

func (s *stream) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	var (
		buffer       []byte        // accumulated PCM for the current utterance
		hadSpeech    bool          // true once any high-energy frame has been buffered
		silenceMs    int           // consecutive silence accumulated after speech (ms)
		partialBytes int           // buffer length at the last partial
		start, end   time.Duration // utterance bounds relative to capture start
		slice        int
	)
	recordingStart := time.Now()

	// bytesPerMs: PCM bytes corresponding to 1 ms of audio.
	bytesPerMs := s.sampleRate * s.channels * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32 // 16 kHz, mono, 16-bit
	}
	maxBufferBytes := s.cfg.maxBufferDurationMs * bytesPerMs
	partialStep := s.cfg.partialIntervalMs * bytesPerMs

	emit := func(text string, final bool, processing time.Duration) {
		segs := []stt.Segment{{
			Text: text,
			T0:   start.Milliseconds() / 10,
			T1:   end.Milliseconds() / 10,
		}}
		ev := stt.NewRealtimeEvent(slice, text, final, time.Since(recordingStart), processing, segs)
		select {
		case s.events <- ev:
		case <-s.done:
		}
	}

	transcribe := func(pcm []byte) (string, time.Duration, bool) {
		began := time.Now()
		text, err := s.infer(ctx, pcm)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("whisper inference failed", "err", err)
			}
			return "", 0, false
		}
		text = strings.TrimSpace(text)
		return text, time.Since(began), text != ""
	}

	reset := func() {
		buffer = nil
		hadSpeech = false
		silenceMs = 0
		partialBytes = 0
	}

	// commit transcribes the whole utterance and emits it as final.
	commit := func() {
		if len(buffer) == 0 || !hadSpeech {
			reset()
			return
		}
		pcm := buffer
		reset()
		if text, took, ok := transcribe(pcm); ok {
			emit(text, true, took)
			slice++
		}
	}

	// partial re-transcribes the growing utterance once enough new speech
	// arrived since the previous partial.
	partial := func() {
		if !hadSpeech || partialStep <= 0 || len(buffer)-partialBytes < partialStep {
			return
		}
		partialBytes = len(buffer)
		if text, took, ok := transcribe(buffer); ok {
			emit(text, false, took)
		}
	}

	frames := s.capture.Frames()
	for {
		select {
		case <-s.done:
			return

		case f, ok := <-frames:
			if !ok {
				select {
				case <-s.done:
					// Closed by Stop.
					return
				default:
				}
				// Input exhausted: the engine ends the stream on its own.
				commit()
				return
			}

			rms := computeRMS(f.Data)
			chunkMs := chunkDurationMs(f.Data, s.sampleRate, s.channels)

			if rms < s.cfg.rmsThreshold {
				// Leading silence before any speech is discarded.
				if !hadSpeech {
					continue
				}
				silenceMs += chunkMs
				buffer = append(buffer, f.Data...)
				end = f.Timestamp + f.Duration()
				if silenceMs >= s.cfg.silenceThresholdMs {
					commit()
					continue
				}
			} else {
				if !hadSpeech {
					start = f.Timestamp
				}
				hadSpeech = true
				silenceMs = 0
				buffer = append(buffer, f.Data...)
				end = f.Timestamp + f.Duration()
				if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
					commit()
					continue
				}
			}
			partial()
		}
	}
}

// ---- helpers ----------------------------------------------------------------

// resolveFormat fills in the PCM format defaults for an audio session.
func resolveFormat(cfg audio.SessionConfig) audio.SessionConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return cfg
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer. Returns 0 for buffers shorter than one sample.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// chunkDurationMs returns the duration of a PCM chunk in milliseconds. Returns
// 0 for invalid inputs.
func chunkDurationMs(chunk []byte, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSec := sampleRate * channels * (bitsPerSample / 8)
	return len(chunk) * 1000 / bytesPerSec
}
