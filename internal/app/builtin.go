package app

import (
	"net/http"

	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/audio/pcm"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/deepgram"
	"github.com/MrWong99/livescribe/pkg/provider/stt/whisper"
)

// Engine option keys read from engine.options.
const (
	optLanguage         = "language"
	optSilenceThreshold = "silence_threshold_ms"
	optMaxBuffer        = "max_buffer_ms"
	optPartialInterval  = "partial_interval_ms"
	optRMSThreshold     = "rms_threshold"
	optHTTPTimeout      = "http_timeout"
)

// RegisterBuiltins wires the engines and audio sources that ship with
// livescribe into reg.
func RegisterBuiltins(reg *config.Registry) {
	// ── Engines ───────────────────────────────────────────────────────────────

	reg.RegisterEngine("whisper", func(cfg config.EngineConfig, src audio.Source) (stt.Engine, error) {
		return whisper.New(cfg.BaseURL, src, whisperOptions(cfg)...)
	})

	reg.RegisterEngine("whisper-native", func(cfg config.EngineConfig, src audio.Source) (stt.Engine, error) {
		return whisper.NewNative(src, whisperOptions(cfg)...)
	})

	reg.RegisterEngine("deepgram", func(cfg config.EngineConfig, src audio.Source) (stt.Engine, error) {
		var opts []deepgram.Option
		if cfg.Model != "" {
			opts = append(opts, deepgram.WithModel(cfg.Model))
		}
		if lang, ok := cfg.StringOption(optLanguage); ok && lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(cfg.BaseURL))
		}
		return deepgram.New(cfg.APIKey, src, opts...)
	})

	// ── Audio sources ─────────────────────────────────────────────────────────

	reg.RegisterSource("pcm", func(cfg config.AudioConfig) (audio.Source, error) {
		var opts []pcm.Option
		if cfg.FrameMs > 0 {
			opts = append(opts, pcm.WithFrameMs(cfg.FrameMs))
		}
		if cfg.Realtime {
			opts = append(opts, pcm.WithRealtime(true))
		}
		if cfg.InputSampleRate > 0 || cfg.InputChannels > 0 {
			opts = append(opts, pcm.WithInputFormat(audio.Format{SampleRate: cfg.InputSampleRate, Channels: cfg.InputChannels}))
		}
		return pcm.New(cfg.Path, opts...), nil
	})
}

// whisperOptions maps engine.options onto the segmentation settings shared
// by both whisper engines. Absent keys keep the engine defaults.
func whisperOptions(cfg config.EngineConfig) []whisper.Option {
	var opts []whisper.Option
	if lang, ok := cfg.StringOption(optLanguage); ok && lang != "" {
		opts = append(opts, whisper.WithLanguage(lang))
	}
	if ms, ok := cfg.IntOption(optSilenceThreshold); ok {
		opts = append(opts, whisper.WithSilenceThresholdMs(ms))
	}
	if ms, ok := cfg.IntOption(optMaxBuffer); ok {
		opts = append(opts, whisper.WithMaxBufferDurationMs(ms))
	}
	if ms, ok := cfg.IntOption(optPartialInterval); ok {
		opts = append(opts, whisper.WithPartialIntervalMs(ms))
	}
	if rms, ok := cfg.FloatOption(optRMSThreshold); ok {
		opts = append(opts, whisper.WithRMSThreshold(rms))
	}
	if d, ok := cfg.DurationOption(optHTTPTimeout); ok {
		opts = append(opts, whisper.WithHTTPClient(&http.Client{Timeout: d}))
	}
	return opts
}
