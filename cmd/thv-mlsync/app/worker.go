package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	mlsync "github.com/stacklok/toolhive-mlsync/internal/app"
	"github.com/stacklok/toolhive-mlsync/internal/config"
	"github.com/stacklok/toolhive-mlsync/internal/mlworker"
	"github.com/stacklok/toolhive-mlsync/internal/store"
)

// newWorkerCmd is the entry point of a worker process. The orchestrator starts
// it with the flags built by the worker factory and talks JSON-RPC over stdio.
func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    mlsync.WorkerCommand,
		Short:  "Run a sync worker on stdin/stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cmd, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().String(mlsync.WorkerFlagLibraryRoot, "", "Root of the media library")
	cmd.Flags().String(mlsync.WorkerFlagDatabase, "", "Path to the bookkeeping database")
	cmd.Flags().String(mlsync.WorkerFlagCacheDir, "", "Directory of the artifact cache")
	cmd.Flags().Int(mlsync.WorkerFlagBatchSize, config.DefaultBatchSize, "Maximum files extracted per bulk pass")

	return cmd
}

func runWorker(ctx context.Context, cmd *cobra.Command, in io.Reader, out io.WriteCloser) error {
	v, err := bindFlags(cmd)
	if err != nil {
		return err
	}

	root := v.GetString(mlsync.WorkerFlagLibraryRoot)
	dbPath := v.GetString(mlsync.WorkerFlagDatabase)
	cacheDir := v.GetString(mlsync.WorkerFlagCacheDir)
	if root == "" || dbPath == "" || cacheDir == "" {
		return fmt.Errorf("--%s, --%s and --%s are required",
			mlsync.WorkerFlagLibraryRoot, mlsync.WorkerFlagDatabase, mlsync.WorkerFlagCacheDir)
	}

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	cache := store.NewFileCache(afero.NewOsFs(), cacheDir)
	svc := mlworker.NewService(root, st, cache, mlworker.WithBatchSize(v.GetInt(mlsync.WorkerFlagBatchSize)))

	srv := jrpc2.NewServer(svc.Assigner(), nil).Start(channel.Line(in, out))
	slog.Debug("Worker started", "pid", os.Getpid(), "library_root", root)

	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	// The orchestrator closing our stdin is the normal way to end a worker
	if err := srv.Wait(); err != nil {
		return fmt.Errorf("worker server failed: %w", err)
	}
	return nil
}
