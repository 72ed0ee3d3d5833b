// Package observe provides the observability primitives shared by the sound
// trigger middleware: OpenTelemetry metrics, tracing helpers, trace-aware
// structured logging, and HTTP middleware for the ops server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so the ops server can expose
// them on /metrics. A package-level [Metrics] instance ([DefaultMetrics]) is
// available for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all middleware metrics.
const meterName = "github.com/MrWong99/soundtrigger"

// Metrics holds all OpenTelemetry metric instruments for the middleware.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Middleware surface ---

	// CallDuration tracks the latency of every middleware operation. Use with
	// attributes:
	//   attribute.String("op", ...), attribute.String("kind", ...)
	CallDuration metric.Float64Histogram

	// Calls counts middleware operations by op and result kind ("ok" or an
	// error kind such as "invalid_state").
	Calls metric.Int64Counter

	// CallbackEvents counts events delivered to clients. Use with attributes:
	//   attribute.String("event", ...), attribute.String("status", ...)
	CallbackEvents metric.Int64Counter

	// --- Hardware ---

	// HALDuration tracks the latency of physical driver calls. Use with
	// attributes:
	//   attribute.String("module", ...), attribute.String("op", ...)
	HALDuration metric.Float64Histogram

	// HALErrors counts failed driver calls by module, op and kind.
	HALErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes by module and
	// target state.
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of attached sessions per module.
	ActiveSessions metric.Int64UpDownCounter

	// LoadedModels tracks the number of loaded models per module.
	LoadedModels metric.Int64UpDownCounter

	// ActiveRecognitions tracks the number of running recognitions per module.
	ActiveRecognitions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for control
// plane calls, which range from in-memory checks to slow DSP firmware loads.
var latencyBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CallDuration, err = m.Float64Histogram("soundtrigger.call.duration",
		metric.WithDescription("Latency of middleware operations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HALDuration, err = m.Float64Histogram("soundtrigger.hal.duration",
		metric.WithDescription("Latency of hardware driver calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Calls, err = m.Int64Counter("soundtrigger.calls",
		metric.WithDescription("Total middleware operations by op and result kind."),
	); err != nil {
		return nil, err
	}
	if met.CallbackEvents, err = m.Int64Counter("soundtrigger.callback.events",
		metric.WithDescription("Total events delivered to clients by event type and status."),
	); err != nil {
		return nil, err
	}
	if met.HALErrors, err = m.Int64Counter("soundtrigger.hal.errors",
		metric.WithDescription("Total failed driver calls by module, op, and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("soundtrigger.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by module and target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("soundtrigger.active_sessions",
		metric.WithDescription("Number of attached sessions per module."),
	); err != nil {
		return nil, err
	}
	if met.LoadedModels, err = m.Int64UpDownCounter("soundtrigger.loaded_models",
		metric.WithDescription("Number of loaded sound models per module."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRecognitions, err = m.Int64UpDownCounter("soundtrigger.active_recognitions",
		metric.WithDescription("Number of running recognitions per module."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("soundtrigger.http.request.duration",
		metric.WithDescription("Ops HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCall records one middleware operation: a counter increment and a
// latency sample, both tagged with op and result kind.
func (m *Metrics) RecordCall(ctx context.Context, op, kind string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("kind", kind),
	)
	m.Calls.Add(ctx, 1, attrs)
	m.CallDuration.Record(ctx, seconds, attrs)
}

// RecordHALCall records the latency of a driver call and, when kind is not
// "ok", an error counter increment.
func (m *Metrics) RecordHALCall(ctx context.Context, module, op, kind string, seconds float64) {
	m.HALDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("module", module),
			attribute.String("op", op),
		),
	)
	if kind == "ok" {
		return
	}
	m.HALErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("module", module),
			attribute.String("op", op),
			attribute.String("kind", kind),
		),
	)
}

// RecordCallbackEvent records one event delivered to a client. status is
// empty for events that carry none.
func (m *Metrics) RecordCallbackEvent(ctx context.Context, event, status string) {
	m.CallbackEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event", event),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, module, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("module", module),
			attribute.String("state", to),
		),
	)
}

// AddGauge adjusts one of the per-module gauges by delta.
func AddGauge(ctx context.Context, g metric.Int64UpDownCounter, module string, delta int64) {
	if delta == 0 {
		return
	}
	g.Add(ctx, delta, metric.WithAttributes(attribute.String("module", module)))
}
