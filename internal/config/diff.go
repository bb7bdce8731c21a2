package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes are reported field by field; everything else is
// summarised in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TimeoutsChanged is true when engine.init_timeout or engine.start_timeout
	// changed. Applies to the next Start.
	TimeoutsChanged bool
	InitTimeout     time.Duration
	StartTimeout    time.Duration

	// RestartRequired lists the config sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TimeoutsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Engine.InitTimeout != new.Engine.InitTimeout || old.Engine.StartTimeout != new.Engine.StartTimeout {
		d.TimeoutsChanged = true
		d.InitTimeout = new.Engine.InitTimeout
		d.StartTimeout = new.Engine.StartTimeout
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if engineIdentityChanged(&old.Engine, &new.Engine) {
		d.RestartRequired = append(d.RestartRequired, "engine")
	}
	if !reflect.DeepEqual(old.Model, new.Model) {
		d.RestartRequired = append(d.RestartRequired, "model")
	}
	if !reflect.DeepEqual(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Sinks != new.Sinks {
		d.RestartRequired = append(d.RestartRequired, "sinks")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

// engineIdentityChanged compares the engine fields that are fixed at startup.
func engineIdentityChanged(old, new *EngineConfig) bool {
	if old.Name != new.Name || old.BaseURL != new.BaseURL || old.APIKey != new.APIKey || old.Model != new.Model {
		return true
	}
	return !reflect.DeepEqual(old.CircuitBreaker, new.CircuitBreaker) || !reflect.DeepEqual(old.Options, new.Options)
}
