package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the OpenTelemetry providers and their lifecycle
type Telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	registry       *prometheus.Registry
}

// Option is a function that configures the telemetry setup
type Option func(*telemetryConfig)

type telemetryConfig struct {
	config *Config
}

// WithTelemetryConfig sets the telemetry configuration
func WithTelemetryConfig(cfg *Config) Option {
	return func(tc *telemetryConfig) {
		tc.config = cfg
	}
}

// New creates and initializes a new Telemetry instance based on the configuration.
// If telemetry is disabled or configuration is nil, returns a Telemetry with no-op providers.
// The caller is responsible for calling Shutdown when the application exits.
func New(ctx context.Context, opts ...Option) (*Telemetry, error) {
	cfg := &telemetryConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.config == nil || !cfg.config.Enabled {
		slog.Debug("Telemetry disabled")
		return newNoOpTelemetry(ctx)
	}

	if err := cfg.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	slog.Info("Initializing telemetry",
		"service_name", cfg.config.GetServiceName(),
		"service_version", cfg.config.GetServiceVersion(),
	)

	tracerProvider, err := NewTracerProvider(ctx,
		WithTracerServiceName(cfg.config.GetServiceName()),
		WithTracerServiceVersion(cfg.config.GetServiceVersion()),
		WithTracingConfig(cfg.config.Tracing),
		WithTracerEndpoint(cfg.config.GetEndpoint()),
		WithTracerInsecure(cfg.config.Insecure),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}

	var registry *prometheus.Registry
	if cfg.config.PrometheusEnabled() {
		registry = prometheus.NewRegistry()
	}

	meterOpts := []MeterProviderOption{
		WithMeterServiceName(cfg.config.GetServiceName()),
		WithMeterServiceVersion(cfg.config.GetServiceVersion()),
		WithMetricsConfig(cfg.config.Metrics),
		WithMeterEndpoint(cfg.config.GetEndpoint()),
		WithMeterInsecure(cfg.config.Insecure),
	}
	if registry != nil {
		meterOpts = append(meterOpts, WithPrometheusRegisterer(registry))
	}

	meterProvider, err := NewMeterProvider(ctx, meterOpts...)
	if err != nil {
		if shutdownable, ok := tracerProvider.(*sdktrace.TracerProvider); ok {
			_ = shutdownable.Shutdown(ctx)
		}
		return nil, fmt.Errorf("failed to create meter provider: %w", err)
	}

	slog.Info("Telemetry initialized successfully")

	return &Telemetry{
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		registry:       registry,
	}, nil
}

func newNoOpTelemetry(ctx context.Context) (*Telemetry, error) {
	tracerProvider, err := NewTracerProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create no-op tracer provider: %w", err)
	}

	meterProvider, err := NewMeterProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create no-op meter provider: %w", err)
	}

	return &Telemetry{
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
	}, nil
}

// TracerProvider returns the configured tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// MeterProvider returns the configured meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// MetricsHandler returns the Prometheus scrape handler, or nil when Prometheus
// export is not enabled
func (t *Telemetry) MetricsHandler() http.Handler {
	if t == nil || t.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// Shutdown flushes and stops the SDK providers
func (t *Telemetry) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down telemetry")

	var errs []error

	if tp, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("Telemetry shutdown complete")
	return nil
}
