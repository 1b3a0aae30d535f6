// Package telemetry provides OpenTelemetry instrumentation for the sync orchestrator.
// Metrics can be pushed over OTLP, scraped through a Prometheus endpoint, or both.
package telemetry

import (
	"errors"
	"fmt"
)

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "thv-mlsync"

	// DefaultEndpoint is the default OTLP endpoint for telemetry
	DefaultEndpoint = "localhost:4318"

	// DefaultSampling is the default trace sampling rate
	DefaultSampling = 0.05
)

// Config represents the root telemetry configuration
type Config struct {
	// Enabled controls whether telemetry is enabled globally.
	// When false, no telemetry providers are initialized.
	Enabled bool `yaml:"enabled"`

	// ServiceName defaults to "thv-mlsync"
	ServiceName string `yaml:"serviceName,omitempty"`

	// ServiceVersion defaults to the binary version
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// Endpoint is the OTLP collector endpoint in "host:port" form
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure allows plain HTTP to the collector
	Insecure bool `yaml:"insecure,omitempty"`

	Tracing *TracingConfig `yaml:"tracing,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig defines tracing-specific configuration
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Sampling is the trace sampling ratio between 0.0 and 1.0.
	// Zero means DefaultSampling.
	Sampling float64 `yaml:"sampling,omitempty"`
}

// MetricsConfig defines metrics-specific configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Prometheus exposes metrics for scraping on the control API's /metrics route
	Prometheus bool `yaml:"prometheus,omitempty"`

	// DisableOTLP turns off the OTLP push exporter, which is useful when only
	// Prometheus scraping is wanted
	DisableOTLP bool `yaml:"disableOTLP,omitempty"`
}

// GetServiceName returns the service name, using default if not specified
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns the service version, using "unknown" if not specified
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return "unknown"
	}
	return c.ServiceVersion
}

// GetEndpoint returns the endpoint, using default if not specified
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// GetSampling returns the sampling ratio, or DefaultSampling when unset
func (c *TracingConfig) GetSampling() float64 {
	if c.Sampling == 0.0 {
		return DefaultSampling
	}
	return c.Sampling
}

// PrometheusEnabled reports whether a Prometheus reader should be installed
func (c *Config) PrometheusEnabled() bool {
	return c != nil && c.Enabled && c.Metrics != nil && c.Metrics.Enabled && c.Metrics.Prometheus
}

// Validate validates the telemetry configuration
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	var errs []error

	if c.Tracing != nil {
		if err := c.Tracing.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}

	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Validate validates the tracing configuration
func (c *TracingConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	if c.Sampling < 0 || c.Sampling > 1.0 {
		return fmt.Errorf("sampling must be between 0.0 and 1.0, got %f", c.Sampling)
	}

	return nil
}

// Validate validates the metrics configuration
func (c *MetricsConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	if c.DisableOTLP && !c.Prometheus {
		return errors.New("at least one exporter is required: enable prometheus or keep OTLP")
	}

	return nil
}
