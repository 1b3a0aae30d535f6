package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/creachadair/jrpc2"

	"github.com/stacklok/toolhive-mlsync/internal/config"
	"github.com/stacklok/toolhive-mlsync/internal/mlworker"
	"github.com/stacklok/toolhive-mlsync/internal/store"
	"github.com/stacklok/toolhive-mlsync/internal/worker"
)

// WorkerCommand is the hidden subcommand a worker process is started with
const WorkerCommand = "worker"

// Flags understood by the worker subcommand
const (
	WorkerFlagLibraryRoot = "library-root"
	WorkerFlagDatabase    = "database"
	WorkerFlagCacheDir    = "cache-dir"
	WorkerFlagBatchSize   = "batch-size"
)

// buildWorkerFactory returns the factory matching the configured worker mode.
// In-process workers share the orchestrator's store and cache; worker processes
// open their own handles on the same files.
func buildWorkerFactory(cfg *config.Config, st store.Store, cache store.Cache) (worker.Factory, error) {
	switch mode := cfg.GetWorkerMode(); mode {
	case config.WorkerModeInProcess:
		slog.Info("Using in-process workers")
		root := cfg.GetLibraryRoot()
		batchSize := cfg.GetBatchSize()
		return &worker.LocalFactory{
			NewAssigner: func(_ context.Context) (jrpc2.Assigner, error) {
				svc := mlworker.NewService(root, st, cache, mlworker.WithBatchSize(batchSize))
				return svc.Assigner(), nil
			},
		}, nil

	case config.WorkerModeProcess:
		executable := cfg.GetWorkerExecutable()
		if executable == "" {
			self, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("failed to locate worker executable: %w", err)
			}
			executable = self
		}
		slog.Info("Using worker processes", "executable", executable)
		return &worker.ProcessFactory{
			Path:           executable,
			Args:           workerArgs(cfg),
			TerminateGrace: cfg.GetTerminateGrace(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown worker mode %q", mode)
	}
}

// workerArgs are the command line of a worker process
func workerArgs(cfg *config.Config) []string {
	return []string{
		WorkerCommand,
		"--" + WorkerFlagLibraryRoot, cfg.GetLibraryRoot(),
		"--" + WorkerFlagDatabase, cfg.DatabasePath(),
		"--" + WorkerFlagCacheDir, cfg.CacheDir(),
		"--" + WorkerFlagBatchSize, strconv.Itoa(cfg.GetBatchSize()),
	}
}
