package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/soundtrigger/internal/core"
	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
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

	// Middleware
	mw := cfg.Middleware
	if _, err := core.ParseAttachPolicy(mw.AttachPolicy); err != nil {
		errs = append(errs, fmt.Errorf("middleware.attach_policy %q is invalid; valid values: shared, exclusive", mw.AttachPolicy))
	}
	if mw.HALTimeout < 0 {
		errs = append(errs, fmt.Errorf("middleware.hal_timeout %s must not be negative", mw.HALTimeout))
	}
	if mw.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("middleware.breaker.max_failures %d must not be negative", mw.Breaker.MaxFailures))
	}
	if mw.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("middleware.breaker.reset_timeout %s must not be negative", mw.Breaker.ResetTimeout))
	}
	if mw.Breaker.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("middleware.breaker.half_open_max %d must not be negative", mw.Breaker.HalfOpenMax))
	}

	if len(cfg.Modules) == 0 {
		slog.Warn("no modules configured; clients will see an empty module list")
	}

	// Module duplicate name detection
	namesSeen := make(map[string]int, len(cfg.Modules))

	// Modules
	for i, mod := range cfg.Modules {
		prefix := fmt.Sprintf("modules[%d]", i)
		if mod.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[mod.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of modules[%d]", prefix, mod.Name, prev))
			}
			namesSeen[mod.Name] = i
		}
		if mod.Driver == "" {
			errs = append(errs, fmt.Errorf("%s.driver is required", prefix))
		}

		p := mod.Properties
		if p.MaxSoundModels < 0 {
			errs = append(errs, fmt.Errorf("%s.properties.max_sound_models %d must not be negative", prefix, p.MaxSoundModels))
		}
		if p.MaxKeyPhrases < 0 {
			errs = append(errs, fmt.Errorf("%s.properties.max_key_phrases %d must not be negative", prefix, p.MaxKeyPhrases))
		}
		if p.MaxUsers < 0 {
			errs = append(errs, fmt.Errorf("%s.properties.max_users %d must not be negative", prefix, p.MaxUsers))
		}
		if _, err := parseModes(p.RecognitionModes); err != nil {
			errs = append(errs, fmt.Errorf("%s.properties.recognition_modes: %w", prefix, err))
		}
		if _, err := parseAudioCapabilities(p.AudioCapabilities); err != nil {
			errs = append(errs, fmt.Errorf("%s.properties.audio_capabilities: %w", prefix, err))
		}
		if p.MaxSoundModels == 0 {
			slog.Warn("module declares no model slots; every load will fail", "module", mod.Name)
		}

		paramsSeen := make(map[string]bool, len(mod.Parameters))
		for j, pc := range mod.Parameters {
			pp := fmt.Sprintf("%s.parameters[%d]", prefix, j)
			if !soundtrigger.ParseModelParameter(pc.ID).IsValid() {
				errs = append(errs, fmt.Errorf("%s.id %q is not a known parameter", pp, pc.ID))
			}
			if paramsSeen[pc.ID] {
				errs = append(errs, fmt.Errorf("%s.id %q is declared twice", pp, pc.ID))
			}
			paramsSeen[pc.ID] = true
			if pc.Min > pc.Max {
				errs = append(errs, fmt.Errorf("%s: min %d is greater than max %d", pp, pc.Min, pc.Max))
			}
		}
		if _, err := mod.DurationOption("latency"); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
