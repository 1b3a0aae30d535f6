package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	assert.Equal(t, DefaultServiceName, cfg.GetServiceName())
	assert.Equal(t, "unknown", cfg.GetServiceVersion())
	assert.Equal(t, DefaultEndpoint, cfg.GetEndpoint())
	assert.Equal(t, DefaultSampling, (&TracingConfig{}).GetSampling())

	cfg = &Config{ServiceName: "custom", ServiceVersion: "1.2.3", Endpoint: "otel:4318"}
	assert.Equal(t, "custom", cfg.GetServiceName())
	assert.Equal(t, "1.2.3", cfg.GetServiceVersion())
	assert.Equal(t, "otel:4318", cfg.GetEndpoint())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  *Config
		wantErr string
	}{
		{name: "nil config", config: nil},
		{name: "disabled ignores bad sections", config: &Config{
			Tracing: &TracingConfig{Enabled: true, Sampling: 4},
		}},
		{name: "valid tracing", config: &Config{
			Enabled: true,
			Tracing: &TracingConfig{Enabled: true, Sampling: 0.5},
		}},
		{name: "sampling out of range", config: &Config{
			Enabled: true,
			Tracing: &TracingConfig{Enabled: true, Sampling: 1.5},
		}, wantErr: "tracing: sampling must be between"},
		{name: "prometheus only", config: &Config{
			Enabled: true,
			Metrics: &MetricsConfig{Enabled: true, Prometheus: true, DisableOTLP: true},
		}},
		{name: "no exporter left", config: &Config{
			Enabled: true,
			Metrics: &MetricsConfig{Enabled: true, DisableOTLP: true},
		}, wantErr: "metrics: at least one exporter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_PrometheusEnabled(t *testing.T) {
	t.Parallel()

	var nilCfg *Config
	assert.False(t, nilCfg.PrometheusEnabled())
	assert.False(t, (&Config{Metrics: &MetricsConfig{Enabled: true, Prometheus: true}}).PrometheusEnabled())
	assert.False(t, (&Config{Enabled: true, Metrics: &MetricsConfig{Prometheus: true}}).PrometheusEnabled())
	assert.True(t, (&Config{Enabled: true, Metrics: &MetricsConfig{Enabled: true, Prometheus: true}}).PrometheusEnabled())
}
