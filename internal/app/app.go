// Package app wires all soundtrigger subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the hardware registry
// and the middleware chain, Run serves the ops endpoints until the context is
// cancelled, and Shutdown tears everything down in order.
//
// The middleware chain handed to clients is Logging → Validation → Core.
// For testing, inject a driver registry or listener via functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/MrWong99/soundtrigger/internal/config"
	"github.com/MrWong99/soundtrigger/internal/core"
	"github.com/MrWong99/soundtrigger/internal/health"
	"github.com/MrWong99/soundtrigger/internal/logging"
	"github.com/MrWong99/soundtrigger/internal/observe"
	"github.com/MrWong99/soundtrigger/internal/resilience"
	"github.com/MrWong99/soundtrigger/internal/validation"
	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
)

// DefaultListenAddr is the ops server address used when the config leaves
// server.listen_addr empty.
const DefaultListenAddr = ":9464"

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	drivers  *config.Registry
	level    *slog.LevelVar
	exporter sdktrace.SpanExporter
	listener net.Listener

	// Subsystems, initialised in New and torn down in Shutdown.
	provider *observe.Provider
	metrics  *observe.Metrics
	core     *core.Core
	chain    soundtrigger.Middleware
	health   *health.Handler
	server   *http.Server

	mu      sync.Mutex
	running bool

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithDrivers uses reg to create hardware factories instead of a default
// [config.Registry].
func WithDrivers(reg *config.Registry) Option {
	return func(a *App) { a.drivers = reg }
}

// WithLevelVar makes hot reloads of server.log_level update v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithTraceExporter exports spans to e.
func WithTraceExporter(e sdktrace.SpanExporter) Option {
	return func(a *App) { a.exporter = e }
}

// WithListener serves the ops endpoints on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It initialises
// telemetry, registers every configured module, and assembles the middleware
// chain. No hardware is touched until a client attaches.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.drivers == nil {
		a.drivers = config.NewRegistry()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:   cfg.Telemetry.ServiceName,
		TraceExporter: a.exporter,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.provider = provider
	a.metrics, err = observe.NewMetrics(provider.MeterProvider)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	// ── 2. Hardware registry ─────────────────────────────────────────────
	halReg, err := a.drivers.Build(cfg)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("app: build modules: %w", err)
	}

	// ── 3. Middleware chain ──────────────────────────────────────────────
	policy, err := core.ParseAttachPolicy(cfg.Middleware.AttachPolicy)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("app: %w", err)
	}
	b := cfg.Middleware.Breaker
	a.core = core.New(halReg,
		core.WithAttachPolicy(policy),
		core.WithHALTimeout(cfg.Middleware.HALTimeout),
		core.WithBreaker(resilience.BreakerConfig{
			MaxFailures:  b.MaxFailures,
			ResetTimeout: b.ResetTimeout,
			HalfOpenMax:  b.HalfOpenMax,
		}),
		core.WithMetrics(a.metrics),
	)
	a.chain = logging.New(validation.New(a.core), logging.WithMetrics(a.metrics))

	// ── 4. Ops endpoints ─────────────────────────────────────────────────
	a.health = health.New(health.ModuleCheckers(a.core, halReg.List())...)
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", provider.MetricsHandler())
	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.printSummary(ctx)
	return a, nil
}

// printSummary logs the configured modules through the chain, so the first
// ListModules call shows up in logs and metrics like any client call.
func (a *App) printSummary(ctx context.Context) {
	mods, err := a.chain.ListModules(ctx)
	if err != nil {
		slog.Warn("failed to list modules", "err", err)
		return
	}
	for _, m := range mods {
		slog.Info("module registered",
			"module", m.Name,
			"handle", m.Handle,
			"max_sound_models", m.Properties.MaxSoundModels,
			"recognition_modes", m.Properties.RecognitionModes.String(),
			"forced_recognition", m.Properties.SupportsForcedRecognition,
		)
	}
}

// Middleware returns the client-facing middleware chain.
func (a *App) Middleware() soundtrigger.Middleware { return a.chain }

// Core returns the core layer, for introspection by tests and tooling.
func (a *App) Core() *core.Core { return a.core }

// Telemetry returns the OpenTelemetry providers owned by the app.
func (a *App) Telemetry() *observe.Provider { return a.provider }

// Handler returns the ops HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the ops endpoints and blocks until ctx is cancelled or the
// server fails.
func (a *App) Run(ctx context.Context) error {
	l := a.listener
	if l == nil {
		addr := a.cfg.Server.ListenAddr
		if addr == "" {
			addr = DefaultListenAddr
		}
		var err error
		if l, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("app: listen %q: %w", addr, err)
		}
	}
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	slog.Info("ops server listening", "addr", l.Addr().String())
	errc := make(chan error, 1)
	go func() { errc <- a.server.Serve(l) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// Changes that need a restart are logged and otherwise ignored.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.HALTimeoutChanged {
		if d.NewHALTimeout > 0 {
			a.core.SetHALTimeout(d.NewHALTimeout)
		} else {
			a.core.SetHALTimeout(core.DefaultHALTimeout)
		}
		slog.Info("hal timeout changed", "timeout", d.NewHALTimeout)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the process as draining, stops the ops server, detaches
// every live session and flushes telemetry. It respects the context
// deadline; errors from every step are joined.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.core.Sessions())
		a.health.SetDraining(true)

		var errs []error
		a.mu.Lock()
		running := a.running
		a.mu.Unlock()
		if running {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: ops server: %w", err))
			}
		}
		if err := a.core.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: core: %w", err))
		}
		if err := a.provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: telemetry: %w", err))
		}
		shutdownErr = errors.Join(errs...)

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
