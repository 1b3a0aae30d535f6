package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestHTTPMetrics_NilPassesThrough(t *testing.T) {
	t.Parallel()

	var metrics *HTTPMetrics
	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestHTTPMetrics_RecordsRoutePattern(t *testing.T) {
	t.Parallel()

	reader, mp := newManualProvider(t)
	metrics, err := NewHTTPMetrics(mp)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/v1/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, path := range []string{"/v1/items/1", "/v1/items/2"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	found := collectByName(t, reader)
	sum, ok := found["thv_mlsync_http_requests_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1, "both paths share one route series")

	route, _ := sum.DataPoints[0].Attributes.Value("route")
	assert.Equal(t, "/v1/items/{id}", route.AsString())
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)
}

func TestTracingMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("nil provider passes through", func(t *testing.T) {
		t.Parallel()

		handler := TracingMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/uploads", nil))
		assert.Equal(t, http.StatusAccepted, rr.Code)
	})

	t.Run("span named after route with error status", func(t *testing.T) {
		t.Parallel()

		exporter := tracetest.NewInMemoryExporter()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
		defer func() { _ = tp.Shutdown(context.Background()) }()

		r := chi.NewRouter()
		r.Use(TracingMiddleware(tp))
		r.Get("/v1/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/items/7", nil))

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, "GET /v1/items/{id}", spans[0].Name)
		assert.Equal(t, codes.Error, spans[0].Status.Code)
	})
}

func TestRoutePattern_Unknown(t *testing.T) {
	t.Parallel()

	assert.Equal(t, unknownRoute, routePattern(httptest.NewRequest(http.MethodGet, "/", nil)))
}
