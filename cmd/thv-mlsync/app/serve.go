package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mlsync "github.com/stacklok/toolhive-mlsync/internal/app"
	"github.com/stacklok/toolhive-mlsync/internal/config"
	"github.com/stacklok/toolhive-mlsync/internal/telemetry"
	"github.com/stacklok/toolhive-mlsync/internal/versions"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	telemetryFlushTimeout  = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync orchestrator",
		Long: `Start the sync orchestrator and its control API.

The configuration file (--config) is optional. Without it the library root,
data directory and sync policy use their defaults. When a file is given, the
sync policy is re-read from it every time the bulk job is created.`,
		RunE: runServe,
	}

	cmd.Flags().String("config", "", "Path to configuration file (YAML format)")
	cmd.Flags().String("address", "", "Address to listen on (overrides api.address)")
	cmd.Flags().Duration("shutdown-timeout", defaultGracefulTimeout, "How long to wait for a graceful shutdown")

	return cmd
}

// loadConfig reads the configuration file, or returns the defaults for an empty path
func loadConfig(path string) (*config.Config, error) {
	var opts []config.Option
	if path != "" {
		opts = append(opts, config.WithConfigPath(path))
	}
	cfg, err := config.LoadConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	v, err := bindFlags(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath := v.GetString("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	slog.Info("Loaded configuration",
		"config_path", configPath,
		"library_root", cfg.GetLibraryRoot(),
		"data_dir", cfg.GetDataDir(),
		"worker_mode", cfg.GetWorkerMode())

	if cfg.Telemetry != nil && cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = versions.Version
	}
	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			slog.Error("Failed to shutdown telemetry", "error", err)
		}
	}()

	opts := []mlsync.MLSyncAppOptions{
		mlsync.WithConfig(cfg),
		mlsync.WithConfigPath(configPath),
		mlsync.WithTelemetry(tel),
	}
	if address := v.GetString("address"); address != "" {
		opts = append(opts, mlsync.WithAddress(address))
	}

	app, err := mlsync.NewMLSyncApp(ctx, opts...)
	if err != nil {
		if errors.Is(err, mlsync.ErrAlreadyRunning) {
			return fmt.Errorf("another thv-mlsync instance is using %s", cfg.GetDataDir())
		}
		return fmt.Errorf("failed to build application: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case runErr = <-errCh:
		if runErr != nil {
			slog.Error("Application failed", "error", runErr)
		}
	}

	if err := app.Stop(v.GetDuration("shutdown-timeout")); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}
