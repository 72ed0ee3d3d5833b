// Package logging implements the observability layer of the middleware
// chain.
//
// [Middleware] records every call that passes through it (a structured log
// record, an OpenTelemetry span named "soundtrigger.<Op>" and the call
// metrics) and then returns exactly what the layer below returned. It never
// rejects, retries or alters a call. Model payloads are logged as sizes only.
//
// The client callback is wrapped as well, so every event delivered to a
// session is logged and counted.
package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/soundtrigger/internal/observe"
	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
)

// Option configures a [Middleware].
type Option func(*Middleware)

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Middleware) { l.metrics = m }
}

// WithTracer sets the tracer used for call spans. Default: [observe.Tracer].
func WithTracer(t trace.Tracer) Option {
	return func(l *Middleware) { l.tracer = t }
}

// Middleware is the logging decorator.
type Middleware struct {
	next    soundtrigger.Middleware
	metrics *observe.Metrics
	tracer  trace.Tracer
}

// Compile-time interface assertion.
var _ soundtrigger.Middleware = (*Middleware)(nil)

// New returns a logging decorator around next.
func New(next soundtrigger.Middleware, opts ...Option) *Middleware {
	l := &Middleware{next: next}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	if l.tracer == nil {
		l.tracer = observe.Tracer()
	}
	return l
}

// record runs fn inside a span and logs and measures the outcome. args
// describe the request; fn may return further attributes describing the
// result. The error from fn is returned unchanged.
func (l *Middleware) record(ctx context.Context, op string, args []slog.Attr, fn func(ctx context.Context) ([]slog.Attr, error)) error {
	ctx, span := l.tracer.Start(ctx, "soundtrigger."+op, trace.WithAttributes(spanAttrs(args)...))
	start := time.Now()
	results, err := fn(ctx)
	elapsed := time.Since(start)

	kind := soundtrigger.KindOf(err)
	l.metrics.RecordCall(ctx, op, kind, elapsed.Seconds())
	span.SetAttributes(attribute.String("soundtrigger.result", kind))
	observe.EndSpan(span, err)

	attrs := make([]any, 0, len(args)+len(results)+4)
	attrs = append(attrs, slog.String("op", op))
	for _, a := range args {
		attrs = append(attrs, a)
	}
	for _, a := range results {
		attrs = append(attrs, a)
	}
	attrs = append(attrs, slog.Duration("duration", elapsed))
	log := observe.Logger(ctx)
	if err != nil {
		log.Warn("soundtrigger call failed", append(attrs, slog.String("kind", kind), slog.Any("err", err))...)
		return err
	}
	log.Debug("soundtrigger call", attrs...)
	return nil
}

// spanAttrs converts the scalar request attributes to span attributes.
func spanAttrs(args []slog.Attr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(args))
	for _, a := range args {
		key := "soundtrigger." + a.Key
		switch a.Value.Kind() {
		case slog.KindInt64:
			out = append(out, attribute.Int64(key, a.Value.Int64()))
		case slog.KindBool:
			out = append(out, attribute.Bool(key, a.Value.Bool()))
		default:
			out = append(out, attribute.String(key, a.Value.String()))
		}
	}
	return out
}

// ListModules forwards to the delegate.
func (l *Middleware) ListModules(ctx context.Context) ([]soundtrigger.ModuleDescriptor, error) {
	var mods []soundtrigger.ModuleDescriptor
	err := l.record(ctx, "ListModules", nil, func(ctx context.Context) ([]slog.Attr, error) {
		var err error
		mods, err = l.next.ListModules(ctx)
		return []slog.Attr{slog.Int("modules", len(mods))}, err
	})
	return mods, err
}

// Attach forwards to the delegate and wraps both the returned session and
// the client callback. The session id is chosen here and handed down so
// every layer logs the same one.
func (l *Middleware) Attach(ctx context.Context, h soundtrigger.ModuleHandle, cb soundtrigger.Callback) (soundtrigger.Module, error) {
	id := uuid.NewString()
	args := []slog.Attr{slog.Int("module_handle", int(h)), slog.String("session_id", id)}

	var inner soundtrigger.Module
	err := l.record(ctx, "Attach", args, func(ctx context.Context) ([]slog.Attr, error) {
		var wrapped soundtrigger.Callback
		if cb != nil {
			wrapped = &callback{next: cb, sessionID: id, metrics: l.metrics}
		}
		var err error
		inner, err = l.next.Attach(observe.WithSessionID(ctx, id), h, wrapped)
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	return &module{mw: l, next: inner, id: id}, nil
}

// SetExternalCaptureState forwards to the delegate.
func (l *Middleware) SetExternalCaptureState(ctx context.Context, active bool) error {
	return l.record(ctx, "SetExternalCaptureState", []slog.Attr{slog.Bool("active", active)}, func(ctx context.Context) ([]slog.Attr, error) {
		return nil, l.next.SetExternalCaptureState(ctx, active)
	})
}

type module struct {
	mw   *Middleware
	next soundtrigger.Module
	id   string
}

// Compile-time interface assertion.
var _ soundtrigger.Module = (*module)(nil)

func (m *module) args(h soundtrigger.ModelHandle, extra ...slog.Attr) []slog.Attr {
	return append([]slog.Attr{slog.String("session_id", m.id), slog.Int("model", int(h))}, extra...)
}

func (m *module) LoadModel(ctx context.Context, sm soundtrigger.SoundModel) (soundtrigger.ModelHandle, error) {
	var h soundtrigger.ModelHandle
	args := []slog.Attr{
		slog.String("session_id", m.id),
		slog.String("vendor_uuid", sm.VendorUUID),
		slog.Int("data_bytes", len(sm.Data)),
	}
	err := m.mw.record(ctx, "LoadModel", args, func(ctx context.Context) ([]slog.Attr, error) {
		var err error
		h, err = m.next.LoadModel(ctx, sm)
		return []slog.Attr{slog.Int("model", int(h))}, err
	})
	return h, err
}

func (m *module) LoadPhraseModel(ctx context.Context, pm soundtrigger.PhraseSoundModel) (soundtrigger.ModelHandle, error) {
	var h soundtrigger.ModelHandle
	args := []slog.Attr{
		slog.String("session_id", m.id),
		slog.String("vendor_uuid", pm.Common.VendorUUID),
		slog.Int("data_bytes", len(pm.Common.Data)),
		slog.Int("phrases", len(pm.Phrases)),
	}
	err := m.mw.record(ctx, "LoadPhraseModel", args, func(ctx context.Context) ([]slog.Attr, error) {
		var err error
		h, err = m.next.LoadPhraseModel(ctx, pm)
		return []slog.Attr{slog.Int("model", int(h))}, err
	})
	return h, err
}

func (m *module) UnloadModel(ctx context.Context, h soundtrigger.ModelHandle) error {
	return m.mw.record(ctx, "UnloadModel", m.args(h), func(ctx context.Context) ([]slog.Attr, error) {
		return nil, m.next.UnloadModel(ctx, h)
	})
}

func (m *module) StartRecognition(ctx context.Context, h soundtrigger.ModelHandle, cfg soundtrigger.RecognitionConfig) error {
	args := m.args(h,
		slog.Bool("capture_requested", cfg.CaptureRequested),
		slog.Int("phrase_extras", len(cfg.PhraseExtras)),
		slog.Int("data_bytes", len(cfg.Data)),
	)
	return m.mw.record(ctx, "StartRecognition", args, func(ctx context.Context) ([]slog.Attr, error) {
		return nil, m.next.StartRecognition(ctx, h, cfg)
	})
}

func (m *module) StopRecognition(ctx context.Context, h soundtrigger.ModelHandle) error {
	return m.mw.record(ctx, "StopRecognition", m.args(h), func(ctx context.Context) ([]slog.Attr, error) {
		return nil, m.next.StopRecognition(ctx, h)
	})
}

func (m *module) ForceRecognitionEvent(ctx context.Context, h soundtrigger.ModelHandle) error {
	return m.mw.record(ctx, "ForceRecognitionEvent", m.args(h), func(ctx context.Context) ([]slog.Attr, error) {
		return nil, m.next.ForceRecognitionEvent(ctx, h)
	})
}

func (m *module) SetModelParameter(ctx context.Context, h soundtrigger.ModelHandle, p soundtrigger.ModelParameter, v int32) error {
	args := m.args(h, slog.String("param", p.String()), slog.Int("value", int(v)))
	return m.mw.record(ctx, "SetModelParameter", args, func(ctx context.Context) ([]slog.Attr, error) {
		return nil, m.next.SetModelParameter(ctx, h, p, v)
	})
}

func (m *module) GetModelParameter(ctx context.Context, h soundtrigger.ModelHandle, p soundtrigger.ModelParameter) (int32, error) {
	var v int32
	err := m.mw.record(ctx, "GetModelParameter", m.args(h, slog.String("param", p.String())), func(ctx context.Context) ([]slog.Attr, error) {
		var err error
		v, err = m.next.GetModelParameter(ctx, h, p)
		return []slog.Attr{slog.Int("value", int(v))}, err
	})
	return v, err
}

func (m *module) QueryModelParameterSupport(ctx context.Context, h soundtrigger.ModelHandle, p soundtrigger.ModelParameter) (*soundtrigger.ModelParameterRange, error) {
	var r *soundtrigger.ModelParameterRange
	err := m.mw.record(ctx, "QueryModelParameterSupport", m.args(h, slog.String("param", p.String())), func(ctx context.Context) ([]slog.Attr, error) {
		var err error
		r, err = m.next.QueryModelParameterSupport(ctx, h, p)
		if r == nil {
			return []slog.Attr{slog.Bool("supported", false)}, err
		}
		return []slog.Attr{slog.Bool("supported", true), slog.Int("start", int(r.Start)), slog.Int("end", int(r.End))}, err
	})
	return r, err
}

func (m *module) ModelState(ctx context.Context, h soundtrigger.ModelHandle) (soundtrigger.ModelState, error) {
	var st soundtrigger.ModelState
	err := m.mw.record(ctx, "ModelState", m.args(h), func(ctx context.Context) ([]slog.Attr, error) {
		var err error
		st, err = m.next.ModelState(ctx, h)
		return []slog.Attr{slog.String("state", st.String())}, err
	})
	return st, err
}

func (m *module) Detach(ctx context.Context) error {
	return m.mw.record(ctx, "Detach", []slog.Attr{slog.String("session_id", m.id)}, func(ctx context.Context) ([]slog.Attr, error) {
		return nil, m.next.Detach(ctx)
	})
}

// callback logs and counts every event before handing it to the client.
type callback struct {
	next      soundtrigger.Callback
	sessionID string
	metrics   *observe.Metrics
}

// Compile-time interface assertion.
var _ soundtrigger.Callback = (*callback)(nil)

func (c *callback) OnRecognition(h soundtrigger.ModelHandle, ev soundtrigger.RecognitionEvent) {
	slog.Debug("recognition event",
		"session_id", c.sessionID,
		"model", h,
		"status", ev.Status.String(),
		"capture_available", ev.CaptureAvailable,
		"phrases", len(ev.Phrases),
		"data_bytes", len(ev.Data),
	)
	c.metrics.RecordCallbackEvent(context.Background(), "recognition", ev.Status.String())
	c.next.OnRecognition(h, ev)
}

func (c *callback) OnModelUnloaded(h soundtrigger.ModelHandle) {
	slog.Info("model unloaded by hardware", "session_id", c.sessionID, "model", h)
	c.metrics.RecordCallbackEvent(context.Background(), "model_unloaded", "")
	c.next.OnModelUnloaded(h)
}

func (c *callback) OnRecognitionAvailabilityChange(available bool) {
	slog.Info("recognition availability changed", "session_id", c.sessionID, "available", available)
	c.metrics.RecordCallbackEvent(context.Background(), "availability", "")
	c.next.OnRecognitionAvailabilityChange(available)
}

func (c *callback) OnModuleDied() {
	slog.Warn("module died", "session_id", c.sessionID)
	c.metrics.RecordCallbackEvent(context.Background(), "module_died", "")
	c.next.OnModuleDied()
}
