package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/soundtrigger/internal/config"
	"github.com/MrWong99/soundtrigger/pkg/hal"
	"github.com/MrWong99/soundtrigger/pkg/hal/virtual"
	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9464"
  log_level: info

middleware:
  attach_policy: exclusive
  hal_timeout: 1500ms
  breaker:
    max_failures: 3
    reset_timeout: 10s
    half_open_max: 1

telemetry:
  service_name: soundtriggerd-test

modules:
  - name: dsp0
    driver: virtual
    properties:
      implementor: Acme
      description: Low power DSP
      version: 2
      uuid: 7c6e2a5a-0a44-4d7d-9d1e-1b2c3d4e5f60
      max_sound_models: 4
      max_key_phrases: 2
      max_users: 1
      recognition_modes: [voice_trigger, user_identification]
      capture_transition: true
      max_buffer_ms: 2000
      concurrent_capture: false
      trigger_in_event: true
      power_consumption_mw: 12
      audio_capabilities: [echo_cancellation]
      supports_forced_recognition: true
    parameters:
      - id: threshold_factor
        min: -5
        max: 5
    options:
      latency: 2ms
  - name: dsp1
    driver: virtual
    properties:
      max_sound_models: 1
      recognition_modes: [generic_trigger]
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cfg
}

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9464" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	mw := cfg.Middleware
	if mw.AttachPolicy != "exclusive" {
		t.Errorf("attach_policy: got %q", mw.AttachPolicy)
	}
	if mw.HALTimeout != 1500*time.Millisecond {
		t.Errorf("hal_timeout: got %s, want 1.5s", mw.HALTimeout)
	}
	want := config.BreakerConfig{MaxFailures: 3, ResetTimeout: 10 * time.Second, HalfOpenMax: 1}
	if mw.Breaker != want {
		t.Errorf("breaker: got %+v, want %+v", mw.Breaker, want)
	}
	if cfg.Telemetry.ServiceName != "soundtriggerd-test" {
		t.Errorf("service_name: got %q", cfg.Telemetry.ServiceName)
	}
	if len(cfg.Modules) != 2 {
		t.Fatalf("modules: got %d, want 2", len(cfg.Modules))
	}
	if cfg.Modules[0].Name != "dsp0" || cfg.Modules[0].Driver != "virtual" {
		t.Errorf("modules[0]: got %q/%q", cfg.Modules[0].Name, cfg.Modules[0].Driver)
	}
}

func TestLoadFromReader_Empty(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "")
	if len(cfg.Modules) != 0 {
		t.Errorf("modules: got %d, want 0", len(cfg.Modules))
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "listen_adr") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "soundtrigger.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Modules) != 2 {
		t.Errorf("modules: got %d, want 2", len(cfg.Modules))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("got %v, want os.ErrNotExist", err)
	}
}

// ── validation ───────────────────────────────────────────────────────────────

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad log level",
			yaml: "server:\n  log_level: loud\n",
			want: "server.log_level",
		},
		{
			name: "bad attach policy",
			yaml: "middleware:\n  attach_policy: greedy\n",
			want: "middleware.attach_policy",
		},
		{
			name: "negative hal timeout",
			yaml: "middleware:\n  hal_timeout: -1s\n",
			want: "middleware.hal_timeout",
		},
		{
			name: "negative breaker failures",
			yaml: "middleware:\n  breaker:\n    max_failures: -1\n",
			want: "middleware.breaker.max_failures",
		},
		{
			name: "missing module name",
			yaml: "modules:\n  - driver: virtual\n",
			want: "modules[0].name is required",
		},
		{
			name: "missing driver",
			yaml: "modules:\n  - name: a\n",
			want: "modules[0].driver is required",
		},
		{
			name: "duplicate module",
			yaml: "modules:\n  - {name: a, driver: virtual}\n  - {name: a, driver: virtual}\n",
			want: "duplicate of modules[0]",
		},
		{
			name: "negative slots",
			yaml: "modules:\n  - name: a\n    driver: virtual\n    properties: {max_sound_models: -1}\n",
			want: "max_sound_models",
		},
		{
			name: "unknown mode",
			yaml: "modules:\n  - name: a\n    driver: virtual\n    properties: {recognition_modes: [telepathy]}\n",
			want: "telepathy",
		},
		{
			name: "unknown audio capability",
			yaml: "modules:\n  - name: a\n    driver: virtual\n    properties: {audio_capabilities: [autotune]}\n",
			want: "autotune",
		},
		{
			name: "unknown parameter",
			yaml: "modules:\n  - name: a\n    driver: virtual\n    parameters: [{id: gain, min: 0, max: 1}]\n",
			want: "not a known parameter",
		},
		{
			name: "inverted range",
			yaml: "modules:\n  - name: a\n    driver: virtual\n    parameters: [{id: threshold_factor, min: 3, max: 1}]\n",
			want: "greater than max",
		},
		{
			name: "duplicate parameter",
			yaml: "modules:\n  - name: a\n    driver: virtual\n    parameters:\n      - {id: threshold_factor, min: 0, max: 1}\n      - {id: threshold_factor, min: 0, max: 2}\n",
			want: "declared twice",
		},
		{
			name: "bad latency",
			yaml: "modules:\n  - name: a\n    driver: virtual\n    options: {latency: soon}\n",
			want: "options.latency",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should contain %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
modules:
  - driver: virtual
  - name: b
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "modules[0].name", "modules[1].driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should contain %q, got: %v", want, err)
		}
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want string
	}{
		{config.LogDebug, "DEBUG"},
		{config.LogInfo, "INFO"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
		{"", "INFO"},
	}
	for _, tt := range tests {
		if got := tt.in.Level().String(); got != tt.want {
			t.Errorf("%q.Level() = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// ── descriptors ──────────────────────────────────────────────────────────────

func TestModuleConfig_Descriptor(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	desc, err := cfg.Modules[0].Descriptor()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := desc.Properties
	if desc.Name != "dsp0" || p.Implementor != "Acme" || p.Version != 2 {
		t.Errorf("identity: got %q %q %d", desc.Name, p.Implementor, p.Version)
	}
	if p.MaxSoundModels != 4 || p.MaxKeyPhrases != 2 || p.MaxUsers != 1 {
		t.Errorf("limits: got %d/%d/%d", p.MaxSoundModels, p.MaxKeyPhrases, p.MaxUsers)
	}
	wantModes := soundtrigger.ModeVoiceTrigger | soundtrigger.ModeUserIdentification
	if p.RecognitionModes != wantModes {
		t.Errorf("modes: got %s, want %s", p.RecognitionModes, wantModes)
	}
	if p.AudioCapabilities != soundtrigger.AudioEchoCancellation {
		t.Errorf("audio capabilities: got %#x", uint32(p.AudioCapabilities))
	}
	if !p.CaptureTransition || !p.TriggerInEvent || p.ConcurrentCapture || !p.SupportsForcedRecognition {
		t.Errorf("flags: got %+v", p)
	}
	r, ok := desc.Parameter(soundtrigger.ParamThresholdFactor)
	if !ok || r.Start != -5 || r.End != 5 {
		t.Errorf("threshold range: got %+v, %v", r, ok)
	}
}

func TestModuleConfig_DurationOption(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		opts    map[string]any
		want    time.Duration
		wantErr bool
	}{
		{name: "missing", opts: nil, want: 0},
		{name: "string", opts: map[string]any{"latency": "3ms"}, want: 3 * time.Millisecond},
		{name: "int millis", opts: map[string]any{"latency": 7}, want: 7 * time.Millisecond},
		{name: "float millis", opts: map[string]any{"latency": 0.5}, want: 500 * time.Microsecond},
		{name: "bad string", opts: map[string]any{"latency": "soon"}, wantErr: true},
		{name: "bad type", opts: map[string]any{"latency": true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mc := config.ModuleConfig{Name: "m", Options: tt.opts}
			got, err := mc.DurationOption("latency")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_VirtualBuiltIn(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	if names := reg.Names(); len(names) != 1 || names[0] != "virtual" {
		t.Errorf("Names() = %v, want [virtual]", names)
	}
	f, err := reg.Create(config.ModuleConfig{Name: "m", Driver: "virtual"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.(*virtual.Factory); !ok {
		t.Errorf("Create returned %T, want *virtual.Factory", f)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	_, err := config.NewRegistry().Create(config.ModuleConfig{Name: "m", Driver: "tinydsp"})
	if !errors.Is(err, config.ErrDriverNotRegistered) {
		t.Errorf("got %v, want ErrDriverNotRegistered", err)
	}
}

func TestRegistry_CustomDriver(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var seen config.ModuleConfig
	reg.Register("custom", func(mc config.ModuleConfig) (hal.Factory, error) {
		seen = mc
		return virtual.NewFactory(), nil
	})
	if _, err := reg.Create(config.ModuleConfig{Name: "m", Driver: "custom"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen.Name != "m" {
		t.Errorf("factory saw module %q, want m", seen.Name)
	}
	if names := reg.Names(); len(names) != 2 || names[0] != "custom" {
		t.Errorf("Names() = %v, want [custom virtual]", names)
	}
}

func TestRegistry_Build(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	halReg, err := config.NewRegistry().Build(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mods := halReg.List()
	if len(mods) != 2 {
		t.Fatalf("List() returned %d modules, want 2", len(mods))
	}
	for i, name := range []string{"dsp0", "dsp1"} {
		if mods[i].Name != name || mods[i].Handle != soundtrigger.ModuleHandle(i) {
			t.Errorf("module %d: got %q handle %d", i, mods[i].Name, mods[i].Handle)
		}
	}

	entry, ok := halReg.LookupName("dsp0")
	if !ok {
		t.Fatal("dsp0 not registered")
	}
	drv, err := entry.Factory.Connect(context.Background(), entry.Descriptor, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer drv.Close()
}

func TestRegistry_BuildUnknownDriver(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "modules:\n  - {name: a, driver: tinydsp}\n")
	_, err := config.NewRegistry().Build(cfg)
	if !errors.Is(err, config.ErrDriverNotRegistered) {
		t.Errorf("got %v, want ErrDriverNotRegistered", err)
	}
}
