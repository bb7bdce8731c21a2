package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidEngineNames lists the engines that ship with livescribe. Used by
// [Validate] to warn about unrecognised names.
var ValidEngineNames = []string{"whisper", "whisper-native", "deepgram"}

// ValidAudioSources lists the audio sources that ship with livescribe.
var ValidAudioSources = []string{"pcm"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Engine
	if cfg.Engine.Name == "" {
		errs = append(errs, errors.New("engine.name is required"))
	} else {
		warnUnknown("engine", cfg.Engine.Name, ValidEngineNames)
	}
	if cfg.Engine.InitTimeout < 0 {
		errs = append(errs, fmt.Errorf("engine.init_timeout %v must not be negative", cfg.Engine.InitTimeout))
	}
	if cfg.Engine.StartTimeout < 0 {
		errs = append(errs, fmt.Errorf("engine.start_timeout %v must not be negative", cfg.Engine.StartTimeout))
	}
	if cb := cfg.Engine.CircuitBreaker; cb != nil {
		if cb.MaxFailures < 0 {
			errs = append(errs, fmt.Errorf("engine.circuit_breaker.max_failures %d must not be negative", cb.MaxFailures))
		}
		if cb.ResetTimeout < 0 {
			errs = append(errs, fmt.Errorf("engine.circuit_breaker.reset_timeout %v must not be negative", cb.ResetTimeout))
		}
	}
	switch cfg.Engine.Name {
	case "deepgram":
		if cfg.Engine.APIKey == "" {
			errs = append(errs, errors.New("engine.api_key is required for deepgram"))
		}
	case "whisper":
		if cfg.Engine.BaseURL == "" {
			errs = append(errs, errors.New("engine.base_url is required for whisper"))
		}
	case "whisper-native":
		if cfg.Model.ModelPath == "" {
			slog.Warn("model.path is empty; whisper-native will reject every start")
		}
	}

	// Audio
	if cfg.Audio.Source != "" {
		warnUnknown("audio source", cfg.Audio.Source, ValidAudioSources)
	}
	if cfg.Audio.FrameMs < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d must not be negative", cfg.Audio.FrameMs))
	}
	if cfg.Audio.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d must not be negative", cfg.Audio.InputSampleRate))
	}
	if ch := cfg.Audio.InputChannels; ch < 0 || ch > 2 {
		errs = append(errs, fmt.Errorf("audio.input_channels %d is out of range [1, 2]", ch))
	}
	if cfg.Audio.Session.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.session.sample_rate %d must not be negative", cfg.Audio.Session.SampleRate))
	}
	if ch := cfg.Audio.Session.Channels; ch < 0 || ch > 2 {
		errs = append(errs, fmt.Errorf("audio.session.channels %d is out of range [1, 2]", ch))
	}

	// Session
	if cfg.Session.ReleaseTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.release_timeout %v must not be negative", cfg.Session.ReleaseTimeout))
	}

	// Sinks
	if cfg.Sinks.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("sinks.mqtt.qos %d is invalid; valid values: 0, 1, 2", cfg.Sinks.MQTT.QoS))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

// warnUnknown logs a warning if name is not in known.
func warnUnknown(kind, name string, known []string) {
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown name, may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
