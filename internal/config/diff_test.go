package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/soundtrigger/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":9464", LogLevel: config.LogInfo},
		Middleware: config.MiddlewareConfig{
			AttachPolicy: "shared",
			HALTimeout:   2 * time.Second,
		},
		Modules: []config.ModuleConfig{{
			Name:   "dsp0",
			Driver: "virtual",
			Properties: config.PropertiesConfig{
				MaxSoundModels:   4,
				RecognitionModes: []string{"voice_trigger"},
			},
			Parameters: []config.ParameterConfig{{ID: "threshold_factor", Min: -1, Max: 1}},
			Options:    map[string]any{"latency": "1ms"},
		}},
	}
}

func TestDiff_Identical(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.LogLevelChanged || d.HALTimeoutChanged || len(d.RestartRequired) != 0 {
		t.Errorf("identical configs produced a diff: %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.Server.LogLevel = config.LogDebug

	d := config.Diff(baseConfig(), next)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("got %+v, want log level change to debug", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_HALTimeout(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.Middleware.HALTimeout = 500 * time.Millisecond

	d := config.Diff(baseConfig(), next)
	if !d.HALTimeoutChanged || d.NewHALTimeout != 500*time.Millisecond {
		t.Errorf("got %+v, want hal timeout change to 500ms", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":1" }, "server.listen_addr"},
		{"attach policy", func(c *config.Config) { c.Middleware.AttachPolicy = "exclusive" }, "middleware.attach_policy"},
		{"breaker", func(c *config.Config) { c.Middleware.Breaker.MaxFailures = 9 }, "middleware.breaker"},
		{"telemetry", func(c *config.Config) { c.Telemetry.ServiceName = "other" }, "telemetry"},
		{"module added", func(c *config.Config) {
			c.Modules = append(c.Modules, config.ModuleConfig{Name: "dsp1", Driver: "virtual"})
		}, "modules"},
		{"module slots", func(c *config.Config) { c.Modules[0].Properties.MaxSoundModels = 8 }, "modules"},
		{"module modes", func(c *config.Config) {
			c.Modules[0].Properties.RecognitionModes = []string{"generic_trigger"}
		}, "modules"},
		{"module parameter", func(c *config.Config) { c.Modules[0].Parameters[0].Max = 5 }, "modules"},
		{"module option", func(c *config.Config) { c.Modules[0].Options["latency"] = "2ms" }, "modules"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := baseConfig()
			tt.mutate(next)
			d := config.Diff(baseConfig(), next)
			if !slices.Contains(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired = %v, want it to contain %q", d.RestartRequired, tt.want)
			}
			if d.LogLevelChanged || d.HALTimeoutChanged {
				t.Errorf("unexpected hot change: %+v", d)
			}
		})
	}
}
