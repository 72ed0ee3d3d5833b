package config

import (
	"fmt"
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; every other
// change is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	HALTimeoutChanged bool
	NewHALTimeout     time.Duration

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// HAL timeout
	if old.Middleware.HALTimeout != new.Middleware.HALTimeout {
		d.HALTimeoutChanged = true
		d.NewHALTimeout = new.Middleware.HALTimeout
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Middleware.AttachPolicy != new.Middleware.AttachPolicy {
		d.RestartRequired = append(d.RestartRequired, "middleware.attach_policy")
	}
	if old.Middleware.Breaker != new.Middleware.Breaker {
		d.RestartRequired = append(d.RestartRequired, "middleware.breaker")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	if !slices.EqualFunc(old.Modules, new.Modules, moduleEqual) {
		d.RestartRequired = append(d.RestartRequired, "modules")
	}

	return d
}

// moduleEqual compares two module configs. Options are compared by their
// printed form since they hold arbitrary YAML values.
func moduleEqual(a, b ModuleConfig) bool {
	if a.Name != b.Name || a.Driver != b.Driver {
		return false
	}
	if !slices.Equal(a.Parameters, b.Parameters) {
		return false
	}
	pa, pb := a.Properties, b.Properties
	if !slices.Equal(pa.RecognitionModes, pb.RecognitionModes) || !slices.Equal(pa.AudioCapabilities, pb.AudioCapabilities) {
		return false
	}
	pa.RecognitionModes, pb.RecognitionModes = nil, nil
	pa.AudioCapabilities, pb.AudioCapabilities = nil, nil
	if pa != pb {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, va := range a.Options {
		vb, ok := b.Options[k]
		if !ok || fmt.Sprint(va) != fmt.Sprint(vb) {
			return false
		}
	}
	return true
}
