// Package config provides the configuration schema, loader, and driver registry
// for the soundtrigger daemon.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
)

// LogLevel controls log verbosity for the daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. The empty level is info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Middleware MiddlewareConfig `yaml:"middleware"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Modules    []ModuleConfig   `yaml:"modules"`
}

// ServerConfig holds the ops HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the ops server (health, metrics).
	// Default: ":9464".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// MiddlewareConfig tunes the core of the middleware.
type MiddlewareConfig struct {
	// AttachPolicy is "shared" (default) or "exclusive".
	AttachPolicy string `yaml:"attach_policy"`

	// HALTimeout bounds every hardware call. Zero selects the core's
	// default. Hot-reloadable.
	HALTimeout time.Duration `yaml:"hal_timeout"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig mirrors the circuit breaker knobs. Zero values select the
// breaker's defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// TelemetryConfig configures the OpenTelemetry providers.
type TelemetryConfig struct {
	// ServiceName is reported with every metric and span.
	ServiceName string `yaml:"service_name"`
}

// ModuleConfig declares one hardware module. The Driver field is used to
// look up the constructor in the [Registry].
type ModuleConfig struct {
	// Name is the unique module name reported by ListModules.
	Name string `yaml:"name"`

	// Driver selects the registered driver implementation (e.g., "virtual").
	Driver string `yaml:"driver"`

	Properties PropertiesConfig  `yaml:"properties"`
	Parameters []ParameterConfig `yaml:"parameters"`

	// Options holds driver-specific settings.
	Options map[string]any `yaml:"options"`
}

// PropertiesConfig is the YAML form of [soundtrigger.ModuleProperties].
// Bitmask fields are lists of names.
type PropertiesConfig struct {
	Implementor               string   `yaml:"implementor"`
	Description               string   `yaml:"description"`
	Version                   int32    `yaml:"version"`
	UUID                      string   `yaml:"uuid"`
	MaxSoundModels            int32    `yaml:"max_sound_models"`
	MaxKeyPhrases             int32    `yaml:"max_key_phrases"`
	MaxUsers                  int32    `yaml:"max_users"`
	RecognitionModes          []string `yaml:"recognition_modes"`
	CaptureTransition         bool     `yaml:"capture_transition"`
	MaxBufferMs               int32    `yaml:"max_buffer_ms"`
	ConcurrentCapture         bool     `yaml:"concurrent_capture"`
	TriggerInEvent            bool     `yaml:"trigger_in_event"`
	PowerConsumptionMw        int32    `yaml:"power_consumption_mw"`
	AudioCapabilities         []string `yaml:"audio_capabilities"`
	SupportsForcedRecognition bool     `yaml:"supports_forced_recognition"`
}

// ParameterConfig declares a model parameter and its legal range.
type ParameterConfig struct {
	// ID is the parameter name, e.g. "threshold_factor".
	ID  string `yaml:"id"`
	Min int32  `yaml:"min"`
	Max int32  `yaml:"max"`
}

var recognitionModeNames = map[string]soundtrigger.RecognitionModes{
	"voice_trigger":       soundtrigger.ModeVoiceTrigger,
	"user_identification": soundtrigger.ModeUserIdentification,
	"user_authentication": soundtrigger.ModeUserAuthentication,
	"generic_trigger":     soundtrigger.ModeGenericTrigger,
}

var audioCapabilityNames = map[string]soundtrigger.AudioCapabilities{
	"echo_cancellation": soundtrigger.AudioEchoCancellation,
	"noise_suppression": soundtrigger.AudioNoiseSuppression,
}

func parseModes(names []string) (soundtrigger.RecognitionModes, error) {
	var m soundtrigger.RecognitionModes
	for _, n := range names {
		bit, ok := recognitionModeNames[n]
		if !ok {
			return 0, fmt.Errorf("unknown recognition mode %q", n)
		}
		m |= bit
	}
	return m, nil
}

func parseAudioCapabilities(names []string) (soundtrigger.AudioCapabilities, error) {
	var c soundtrigger.AudioCapabilities
	for _, n := range names {
		bit, ok := audioCapabilityNames[n]
		if !ok {
			return 0, fmt.Errorf("unknown audio capability %q", n)
		}
		c |= bit
	}
	return c, nil
}

// Descriptor converts mc into the module descriptor registered with the
// hardware registry. The handle is left zero; the registry assigns it.
func (mc ModuleConfig) Descriptor() (soundtrigger.ModuleDescriptor, error) {
	p := mc.Properties
	modes, err := parseModes(p.RecognitionModes)
	if err != nil {
		return soundtrigger.ModuleDescriptor{}, fmt.Errorf("config: module %q: %w", mc.Name, err)
	}
	caps, err := parseAudioCapabilities(p.AudioCapabilities)
	if err != nil {
		return soundtrigger.ModuleDescriptor{}, fmt.Errorf("config: module %q: %w", mc.Name, err)
	}
	desc := soundtrigger.ModuleDescriptor{
		Name: mc.Name,
		Properties: soundtrigger.ModuleProperties{
			Implementor:               p.Implementor,
			Description:               p.Description,
			Version:                   p.Version,
			UUID:                      p.UUID,
			MaxSoundModels:            p.MaxSoundModels,
			MaxKeyPhrases:             p.MaxKeyPhrases,
			MaxUsers:                  p.MaxUsers,
			RecognitionModes:          modes,
			CaptureTransition:         p.CaptureTransition,
			MaxBufferMs:               p.MaxBufferMs,
			ConcurrentCapture:         p.ConcurrentCapture,
			TriggerInEvent:            p.TriggerInEvent,
			PowerConsumptionMw:        p.PowerConsumptionMw,
			AudioCapabilities:         caps,
			SupportsForcedRecognition: p.SupportsForcedRecognition,
		},
	}
	for _, pc := range mc.Parameters {
		param := soundtrigger.ParseModelParameter(pc.ID)
		if !param.IsValid() {
			return soundtrigger.ModuleDescriptor{}, fmt.Errorf("config: module %q: unknown parameter %q", mc.Name, pc.ID)
		}
		desc.Parameters = append(desc.Parameters, soundtrigger.ParameterSupport{
			Param: param,
			Range: soundtrigger.ModelParameterRange{Start: pc.Min, End: pc.Max},
		})
	}
	return desc, nil
}

// DurationOption reads a duration from Options[key]. Strings are parsed with
// [time.ParseDuration]; bare numbers are milliseconds. A missing key returns
// zero.
func (mc ModuleConfig) DurationOption(key string) (time.Duration, error) {
	v, ok := mc.Options[key]
	if !ok {
		return 0, nil
	}
	switch x := v.(type) {
	case string:
		d, err := time.ParseDuration(x)
		if err != nil {
			return 0, fmt.Errorf("config: module %q: options.%s: %w", mc.Name, key, err)
		}
		return d, nil
	case int:
		return time.Duration(x) * time.Millisecond, nil
	case float64:
		return time.Duration(x * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("config: module %q: options.%s has type %T", mc.Name, key, v)
	}
}
