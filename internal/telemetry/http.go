package telemetry

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// HTTPInstrumentationName names the meter and tracer of the control API
	HTTPInstrumentationName = "github.com/stacklok/toolhive-mlsync/http"

	unknownRoute = "unknown_route"
)

// HTTPMetrics holds the instruments for control API requests
type HTTPMetrics struct {
	requestDuration metric.Float64Histogram
	requestsTotal   metric.Int64Counter
}

// NewHTTPMetrics creates a new HTTPMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewHTTPMetrics(provider metric.MeterProvider) (*HTTPMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(HTTPInstrumentationName)

	requestDuration, err := meter.Float64Histogram(
		"thv_mlsync_http_request_duration_seconds",
		metric.WithDescription("Duration of control API requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	requestsTotal, err := meter.Int64Counter(
		"thv_mlsync_http_requests_total",
		metric.WithDescription("Total number of control API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &HTTPMetrics{requestDuration: requestDuration, requestsTotal: requestsTotal}, nil
}

// Middleware records duration and count per route pattern.
// A nil HTTPMetrics passes requests through untouched.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", routePattern(r)),
			attribute.String("status_code", strconv.Itoa(ww.Status())),
		)
		m.requestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		m.requestsTotal.Add(ctx, 1, attrs)
	})
}

// TracingMiddleware starts a server span per request, continuing any W3C trace
// context found in the headers. A nil provider yields a pass-through middleware.
func TracingMiddleware(provider trace.TracerProvider) func(http.Handler) http.Handler {
	if provider == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	tracer := provider.Tracer(HTTPInstrumentationName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			ctx, span := tracer.Start(ctx, fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			next.ServeHTTP(ww, r.WithContext(ctx))

			// chi fills in the pattern while routing, so it is only known now
			route := routePattern(r)
			span.SetName(fmt.Sprintf("%s %s", r.Method, route))
			span.SetAttributes(
				semconv.HTTPRouteKey.String(route),
				semconv.HTTPResponseStatusCode(ww.Status()),
			)
			if ww.Status() >= http.StatusBadRequest {
				span.SetStatus(codes.Error, http.StatusText(ww.Status()))
			}
		})
	}
}

// routePattern returns the chi route pattern, never the raw path, to keep
// attribute cardinality bounded
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unknownRoute
}
