package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/stacklok/toolhive-mlsync/internal/api"
	"github.com/stacklok/toolhive-mlsync/internal/auth"
	"github.com/stacklok/toolhive-mlsync/internal/config"
	"github.com/stacklok/toolhive-mlsync/internal/events"
	"github.com/stacklok/toolhive-mlsync/internal/library"
	"github.com/stacklok/toolhive-mlsync/internal/manager"
	"github.com/stacklok/toolhive-mlsync/internal/otel"
	"github.com/stacklok/toolhive-mlsync/internal/store"
	"github.com/stacklok/toolhive-mlsync/internal/telemetry"
	"github.com/stacklok/toolhive-mlsync/internal/worker"
)

const (
	// Live sync requests may wait for their task, so the request timeout leaves
	// room for one extraction
	defaultRequestTimeout = 60 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 75 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

// ErrAlreadyRunning is returned when another instance holds the data directory lock
var ErrAlreadyRunning = errors.New("another instance is already running")

// MLSyncAppOptions is a function that configures the app builder
type MLSyncAppOptions func(*mlSyncAppConfig) error

// mlSyncAppConfig collects everything NewMLSyncApp needs.
// Components left nil are built from the configuration.
type mlSyncAppConfig struct {
	config     *config.Config
	configPath string

	// Optional component overrides (primarily for testing)
	store         store.Store
	cache         store.Cache
	session       SessionStore
	workerFactory worker.Factory
	clock         clock.Clock

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration

	telemetry *telemetry.Telemetry
}

func baseConfig(opts ...MLSyncAppOptions) (*mlSyncAppConfig, error) {
	cfg := &mlSyncAppConfig{
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
		clock:          clock.RealClock{},
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.address == "" {
		cfg.address = cfg.config.GetAPIAddress()
	}

	return cfg, nil
}

// NewMLSyncApp builds every component and takes the data directory lock.
// Nothing runs until Start is called.
func NewMLSyncApp(
	ctx context.Context,
	opts ...MLSyncAppOptions,
) (*MLSyncApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	lock, err := acquireLock(cfg.config)
	if err != nil {
		return nil, err
	}

	// Release what was acquired so far if a later step fails
	var cleanups []func()
	cleanupNeeded := true
	defer func() {
		if !cleanupNeeded {
			return
		}
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		_ = lock.Unlock()
	}()

	if err := buildStorage(cfg); err != nil {
		return nil, fmt.Errorf("failed to build storage: %w", err)
	}
	st := cfg.store
	cleanups = append(cleanups, func() { _ = st.Close() })

	if cfg.session == nil {
		cfg.session = auth.NewKeyringSession(cfg.config.GetKeyringService())
	}

	if cfg.workerFactory == nil {
		cfg.workerFactory, err = buildWorkerFactory(cfg.config, cfg.store, cfg.cache)
		if err != nil {
			return nil, fmt.Errorf("failed to build worker factory: %w", err)
		}
	}

	bus := events.NewBus()

	mgr, err := buildManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build work manager: %w", err)
	}
	mgr.Register(bus)
	cleanups = append(cleanups, func() { _ = mgr.Shutdown(context.Background()) })

	var watcher *library.Watcher
	if cfg.config.WatchLibrary() {
		watcher, err = library.NewWatcher(cfg.config.GetLibraryRoot(), bus)
		if err != nil {
			return nil, fmt.Errorf("failed to build library watcher: %w", err)
		}
	}

	components := &AppComponents{
		Store:   cfg.store,
		Cache:   cfg.cache,
		Session: cfg.session,
		Bus:     bus,
		Manager: mgr,
		Watcher: watcher,
	}

	httpServer, err := buildHTTPServer(ctx, cfg, components)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)
	cleanupNeeded = false

	return &MLSyncApp{
		config:     cfg.config,
		components: components,
		httpServer: httpServer,
		lock:       lock,
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) MLSyncAppOptions {
	return func(cfg *mlSyncAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithConfigPath records the file the configuration was loaded from.
// The sync job policy is re-read from it whenever a new job is created.
func WithConfigPath(path string) MLSyncAppOptions {
	return func(cfg *mlSyncAppConfig) error {
		cfg.configPath = path
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) MLSyncAppOptions {
	return func(cfg *mlSyncAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, ok := strings.Cut(addr, ":")
		if !ok || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) MLSyncAppOptions {
	return func(cfg *mlSyncAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithStore allows injecting the bookkeeping store (for testing)
func WithStore(st store.Store) MLSyncAppOptions {
	return func(cfg *mlSyncAppConfig) error {
		cfg.store = st
		return nil
	}
}

// WithCache allows injecting the artifact cache (for testing)
func WithCache(c store.Cache) MLSyncAppOptions {
	return func(cfg *mlSyncAppConfig) error {
		cfg.cache = c
		return nil
	}
}

// WithSession allows injecting the session store (for testing)
func WithSession(s SessionStore) MLSyncAppOptions {
	return func(cfg *mlSyncAppConfig) error {
		cfg.session = s
		return nil
	}
}

// WithWorkerFactory allows injecting the worker factory (for testing)
func WithWorkerFactory(f worker.Factory) MLSyncAppOptions {
	return func(cfg *mlSyncAppConfig) error {
		cfg.workerFactory = f
		return nil
	}
}

// WithClock sets the clock driving the sync job and debounces
func WithClock(c clock.Clock) MLSyncAppOptions {
	return func(cfg *mlSyncAppConfig) error {
		cfg.clock = c
		return nil
	}
}

// WithTelemetry sets the providers used for metrics and tracing
func WithTelemetry(t *telemetry.Telemetry) MLSyncAppOptions {
	return func(cfg *mlSyncAppConfig) error {
		cfg.telemetry = t
		return nil
	}
}

// acquireLock makes sure a single orchestrator owns the data directory
func acquireLock(cfg *config.Config) (*flock.Flock, error) {
	if err := os.MkdirAll(cfg.GetDataDir(), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", cfg.LockPath(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s is locked", ErrAlreadyRunning, cfg.LockPath())
	}
	return lock, nil
}

// buildStorage opens the SQLite store and the artifact cache unless injected
func buildStorage(b *mlSyncAppConfig) error {
	slog.Info("Initializing storage", "data_dir", b.config.GetDataDir())

	if b.store == nil {
		st, err := store.NewSQLiteStore(b.config.DatabasePath())
		if err != nil {
			return err
		}
		b.store = st
	}
	if b.cache == nil {
		b.cache = store.NewFileCache(afero.NewOsFs(), b.config.CacheDir())
	}
	return nil
}

// buildManager wires the work manager to its collaborators and metrics
func buildManager(b *mlSyncAppConfig) (*manager.Manager, error) {
	opts := []manager.Option{
		manager.WithClock(b.clock),
		manager.WithLiveSyncIdleDebounce(b.config.GetLiveSyncIdleDebounce()),
		manager.WithLocalFilesUpdatedDebounce(b.config.GetLocalFilesUpdatedDebounce()),
	}

	if b.telemetry != nil {
		syncMetrics, err := telemetry.NewSyncMetrics(b.telemetry.MeterProvider())
		if err != nil {
			return nil, fmt.Errorf("failed to create sync metrics: %w", err)
		}
		workerMetrics, err := telemetry.NewWorkerMetrics(b.telemetry.MeterProvider())
		if err != nil {
			return nil, fmt.Errorf("failed to create worker metrics: %w", err)
		}
		opts = append(opts,
			manager.WithSyncMetrics(syncMetrics),
			manager.WithWorkerMetrics(workerMetrics),
			manager.WithTracer(b.telemetry.TracerProvider().Tracer(otel.TracerName)),
		)
	}

	return manager.New(manager.Deps{
		Tokens:    b.session,
		JobConfig: newJobConfigProvider(b.config, b.configPath),
		Workers:   b.workerFactory,
		Store:     b.store,
		Cache:     b.cache,
	}, opts...)
}

// buildHTTPServer builds the HTTP server with router and middleware
//
//nolint:unparam // we prefer having a similar interface
func buildHTTPServer(
	_ context.Context,
	b *mlSyncAppConfig,
	components *AppComponents,
) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	serverOpts := []api.ServerOption{}
	if b.telemetry != nil {
		httpMetrics, err := telemetry.NewHTTPMetrics(b.telemetry.MeterProvider())
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
		}
		// Prepended so rejected requests are measured too
		prefix := []func(http.Handler) http.Handler{telemetry.TracingMiddleware(b.telemetry.TracerProvider())}
		if httpMetrics != nil {
			prefix = append(prefix, httpMetrics.Middleware)
			slog.Info("HTTP metrics middleware enabled")
		}
		b.middlewares = append(prefix, b.middlewares...)

		if h := b.telemetry.MetricsHandler(); h != nil {
			serverOpts = append(serverOpts, api.WithMetricsHandler(h))
		}
	}
	serverOpts = append(serverOpts, api.WithMiddlewares(b.middlewares...))

	router := api.NewServer(components.Manager, components.Session, components.Bus, serverOpts...)

	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
