package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// EngineFactory builds a recognition engine that captures audio from src.
type EngineFactory func(cfg EngineConfig, src audio.Source) (stt.Engine, error)

// SourceFactory builds an audio source.
type SourceFactory func(cfg AudioConfig) (audio.Source, error)

// Registry maps engine and audio source names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]EngineFactory
	sources map[string]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]EngineFactory),
		sources: make(map[string]SourceFactory),
	}
}

// RegisterEngine registers an engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEngine(name string, factory EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = factory
}

// RegisterSource registers an audio source factory under name.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// HasEngine reports whether a factory is registered under name.
func (r *Registry) HasEngine(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.engines[name]
	return ok
}

// Engines returns the registered engine names in sorted order.
func (r *Registry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.engines))
}

// CreateEngine instantiates the engine registered under cfg.Name.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateEngine(cfg EngineConfig, src audio.Source) (stt.Engine, error) {
	r.mu.RLock()
	factory, ok := r.engines[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: engine/%q", ErrNotRegistered, cfg.Name)
	}
	return factory(cfg, src)
}

// CreateSource instantiates the audio source registered under cfg.Source.
func (r *Registry) CreateSource(cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrNotRegistered, cfg.Source)
	}
	return factory(cfg)
}

// IntOption returns Options[key] as an int. YAML decodes whole numbers as
// int and fractions as float64; both are accepted. ok is false when the key
// is absent or holds another type.
func (e EngineConfig) IntOption(key string) (v int, ok bool) {
	switch n := e.Options[key].(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// FloatOption returns Options[key] as a float64.
func (e EngineConfig) FloatOption(key string) (v float64, ok bool) {
	switch n := e.Options[key].(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// StringOption returns Options[key] as a string.
func (e EngineConfig) StringOption(key string) (v string, ok bool) {
	v, ok = e.Options[key].(string)
	return v, ok
}

// DurationOption returns Options[key] parsed as a duration string ("750ms").
func (e EngineConfig) DurationOption(key string) (time.Duration, bool) {
	s, ok := e.StringOption(key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}
