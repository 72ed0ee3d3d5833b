package observe

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Ops endpoints served by the daemon.
const (
	RouteHealthz = "/healthz"
	RouteReadyz  = "/readyz"
	RouteMetrics = "/metrics"

	// routeOther labels every path outside the known routes, so stray
	// requests cannot grow the metric label set.
	routeOther = "other"
)

// CorrelationHeader carries the correlation ID of an ops request.
const CorrelationHeader = "X-Correlation-ID"

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

type opsConfig struct {
	routes   []string
	untraced []string
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*opsConfig)

// WithRoutes sets the paths reported under their own route label. Default:
// the health, readiness and metrics endpoints.
func WithRoutes(paths ...string) MiddlewareOption {
	return func(c *opsConfig) { c.routes = paths }
}

// WithUntraced sets the routes served without a span. Default: the metrics
// endpoint, whose scrapes would otherwise flood the trace backend.
func WithUntraced(paths ...string) MiddlewareOption {
	return func(c *opsConfig) { c.untraced = paths }
}

// Middleware wraps the ops HTTP server. For every request it:
//
//  1. Resolves the route label; unknown paths become "other".
//  2. Extracts W3C Trace Context and starts a server span, unless the route
//     is untraced.
//  3. Sets the X-Correlation-ID response header: the trace ID when traced,
//     otherwise the caller's header or a fresh UUID.
//  4. Records request duration to [Metrics.HTTPRequestDuration] by method,
//     route and status.
//  5. Logs completion at debug level, or warn for 5xx responses, since
//     probes and scrapes arrive every few seconds.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := opsConfig{
		routes:   []string{RouteHealthz, RouteReadyz, RouteMetrics},
		untraced: []string{RouteMetrics},
	}
	for _, o := range opts {
		o(&cfg)
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeOther
			if slices.Contains(cfg.routes, r.URL.Path) {
				route = r.URL.Path
			}
			traced := !slices.Contains(cfg.untraced, route)

			ctx := r.Context()
			var span trace.Span
			var cid string
			if traced {
				ctx = prop.Extract(ctx, propagation.HeaderCarrier(r.Header))
				ctx, span = StartSpan(ctx, "HTTP "+r.Method+" "+route,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						semconv.HTTPRequestMethodKey.String(r.Method),
						semconv.HTTPRoute(route),
						semconv.URLPath(r.URL.Path),
					),
				)
				defer span.End()
				cid = CorrelationID(ctx)
				prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))
			} else {
				cid = r.Header.Get(CorrelationHeader)
				if cid == "" {
					cid = uuid.NewString()
				}
			}
			if cid != "" {
				w.Header().Set(CorrelationHeader, cid)
			}

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))
			if span != nil {
				span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))
			}

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.Int("status", rec.statusCode),
				),
			)

			level := slog.LevelDebug
			if rec.statusCode >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			slog.LogAttrs(ctx, level, "ops request completed",
				slog.String("correlation_id", cid),
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
