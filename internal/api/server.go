// Package api provides the local control API of the sync orchestrator.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/toolhive-mlsync/internal/events"
	"github.com/stacklok/toolhive-mlsync/internal/manager"
	"github.com/stacklok/toolhive-mlsync/internal/queue"
	"github.com/stacklok/toolhive-mlsync/internal/worker"
)

// Orchestrator is the part of the work manager exposed over HTTP
//
//go:generate mockgen -destination=mocks/mock_api.go -package=mocks github.com/stacklok/toolhive-mlsync/internal/api Orchestrator,Session,Publisher
type Orchestrator interface {
	Status(ctx context.Context) manager.Status
	SyncLocalFile(
		ctx context.Context,
		remote worker.RemoteFile,
		local worker.LocalFile,
		cfg *worker.SyncConfig,
	) (string, *queue.Future)
}

// Session stores and removes the session token
type Session interface {
	SetToken(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// Publisher emits lifecycle events
type Publisher interface {
	Publish(ev events.Event) error
}

// ServerOption configures the API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	metricsHandler http.Handler
	realm          string
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMetricsHandler serves h on /metrics. Without it the route answers 404.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsHandler = h
	}
}

// WithRealm sets the realm reported in WWW-Authenticate challenges
func WithRealm(realm string) ServerOption {
	return func(cfg *serverConfig) {
		cfg.realm = realm
	}
}

// NewServer creates and configures the HTTP router
func NewServer(orch Orchestrator, session Session, pub Publisher, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
		realm:       "thv-mlsync",
	}

	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()

	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler)

	if cfg.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metricsHandler)
	}

	r.Mount("/v1", Router(orch, session, pub, cfg.realm))

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
