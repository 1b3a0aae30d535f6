package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-mlsync/internal/config"
	"github.com/stacklok/toolhive-mlsync/internal/worker"
)

// createValidTestConfig creates a minimal valid config rooted in temporary directories
func createValidTestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir: t.TempDir(),
		Library: &config.LibraryConfig{Root: t.TempDir()},
		Worker:  &config.WorkerConfig{Mode: config.WorkerModeInProcess},
	}
}

func TestBaseConfig_Defaults(t *testing.T) {
	t.Parallel()
	cfg := createValidTestConfig(t)

	built, err := baseConfig(WithConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultAPIAddress, built.address)
	assert.Equal(t, defaultRequestTimeout, built.requestTimeout)
	assert.NotNil(t, built.clock)
}

func TestBaseConfig_RequiresConfig(t *testing.T) {
	t.Parallel()

	built, err := baseConfig()
	require.Error(t, err)
	assert.Nil(t, built)
}

func TestBaseConfig_AddressFromConfig(t *testing.T) {
	t.Parallel()
	cfg := createValidTestConfig(t)
	cfg.API = &config.APIConfig{Address: "127.0.0.1:9911"}

	built, err := baseConfig(WithConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9911", built.address)

	built, err = baseConfig(WithConfig(cfg), WithAddress(":9090"))
	require.NoError(t, err)
	assert.Equal(t, ":9090", built.address, "the option wins over the file")
}

func TestWithAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		address string
		want    string
		wantErr bool
	}{
		{name: "valid address", address: ":9999", want: ":9999"},
		{name: "valid address with host", address: "127.0.0.1:9999", want: "127.0.0.1:9999"},
		{name: "valid address with host and port", address: "localhost:9999", want: "localhost:9999"},
		{name: "invalid empty address", address: "", want: "", wantErr: true},
		{name: "invalid empty port", address: ":", want: "", wantErr: true},
		{name: "invalid missing port", address: "localhost", want: "", wantErr: true},
		{name: "invalid address with host and port", address: "localhost:999999", want: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &mlSyncAppConfig{}
			opt := WithAddress(tt.address)
			err := opt(cfg)

			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.address)
		})
	}
}

func TestWithMiddlewares(t *testing.T) {
	t.Parallel()
	cfg := &mlSyncAppConfig{}

	middleware1 := func(next http.Handler) http.Handler { return next }
	middleware2 := func(next http.Handler) http.Handler { return next }

	require.NoError(t, WithMiddlewares(middleware1, middleware2)(cfg))
	assert.Len(t, cfg.middlewares, 2)
}

func TestBuildWorkerFactory(t *testing.T) {
	t.Parallel()

	t.Run("in-process", func(t *testing.T) {
		t.Parallel()
		cfg := createValidTestConfig(t)

		f, err := buildWorkerFactory(cfg, nil, nil)
		require.NoError(t, err)
		assert.IsType(t, &worker.LocalFactory{}, f)
	})

	t.Run("process with configured executable", func(t *testing.T) {
		t.Parallel()
		cfg := createValidTestConfig(t)
		cfg.Worker = &config.WorkerConfig{
			Mode:           config.WorkerModeProcess,
			Executable:     "/usr/local/bin/thv-mlsync",
			BatchSize:      25,
			TerminateGrace: "2s",
		}

		f, err := buildWorkerFactory(cfg, nil, nil)
		require.NoError(t, err)
		pf, ok := f.(*worker.ProcessFactory)
		require.True(t, ok)
		assert.Equal(t, "/usr/local/bin/thv-mlsync", pf.Path)
		assert.Equal(t, 2*time.Second, pf.TerminateGrace)
		assert.Equal(t, []string{
			WorkerCommand,
			"--library-root", cfg.GetLibraryRoot(),
			"--database", cfg.DatabasePath(),
			"--cache-dir", cfg.CacheDir(),
			"--batch-size", "25",
		}, pf.Args)
	})

	t.Run("process defaults to the running binary", func(t *testing.T) {
		t.Parallel()
		cfg := createValidTestConfig(t)
		cfg.Worker = nil

		f, err := buildWorkerFactory(cfg, nil, nil)
		require.NoError(t, err)
		self, err := os.Executable()
		require.NoError(t, err)
		assert.Equal(t, self, f.(*worker.ProcessFactory).Path)
	})

	t.Run("unknown mode", func(t *testing.T) {
		t.Parallel()
		cfg := createValidTestConfig(t)
		cfg.Worker = &config.WorkerConfig{Mode: "thread"}

		_, err := buildWorkerFactory(cfg, nil, nil)
		require.Error(t, err)
	})
}

func TestJobConfigProvider(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("static without a file", func(t *testing.T) {
		t.Parallel()
		cfg := createValidTestConfig(t)
		cfg.SyncJob = &config.SyncJobPolicy{Interval: "45s"}

		got, err := newJobConfigProvider(cfg, "").SyncJobConfig(ctx)
		require.NoError(t, err)
		assert.Equal(t, 45*time.Second, got.Interval)
		assert.Equal(t, config.DefaultSyncMaxInterval, got.MaxInterval)
	})

	t.Run("re-reads the file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("syncJob:\n  interval: 10s\n"), 0o600))

		provider := newJobConfigProvider(createValidTestConfig(t), path)
		got, err := provider.SyncJobConfig(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, got.Interval)

		require.NoError(t, os.WriteFile(path, []byte("syncJob:\n  interval: 20s\n  backoffMultiplier: 3\n"), 0o600))
		got, err = provider.SyncJobConfig(ctx)
		require.NoError(t, err)
		assert.Equal(t, 20*time.Second, got.Interval)
		assert.Equal(t, 3.0, got.BackoffMultiplier)
	})

	t.Run("invalid file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("syncJob:\n  interval: -1s\n"), 0o600))

		_, err := newJobConfigProvider(createValidTestConfig(t), path).SyncJobConfig(ctx)
		require.Error(t, err)
	})
}

func TestAcquireLock(t *testing.T) {
	t.Parallel()
	cfg := createValidTestConfig(t)

	first, err := acquireLock(cfg)
	require.NoError(t, err)

	_, err = acquireLock(cfg)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, first.Unlock())
	second, err := acquireLock(cfg)
	require.NoError(t, err)
	require.NoError(t, second.Unlock())
}
