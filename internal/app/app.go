// Package app provides application lifecycle management for the sync orchestrator.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/toolhive-mlsync/internal/config"
	"github.com/stacklok/toolhive-mlsync/internal/events"
)

// MLSyncApp encapsulates all components needed to run the orchestrator.
// It provides lifecycle management and graceful shutdown capabilities.
type MLSyncApp struct {
	config     *config.Config
	components *AppComponents
	httpServer *http.Server
	lock       *flock.Flock

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
	started    atomic.Bool
	stopped    atomic.Bool
}

// Start runs the event bus, the library watcher and the HTTP server, then
// announces AppStart. It blocks until Stop is called or a component fails.
func (app *MLSyncApp) Start() error {
	if !app.started.CompareAndSwap(false, true) {
		return fmt.Errorf("application already started")
	}

	g, ctx := errgroup.WithContext(app.ctx)

	g.Go(func() error {
		if err := app.components.Bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("event bus failed: %w", err)
		}
		return nil
	})

	if w := app.components.Watcher; w != nil {
		g.Go(func() error {
			if err := w.Run(ctx); err != nil {
				return fmt.Errorf("library watcher failed: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("Server listening", "address", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	// A failing component takes the HTTP server down with it
	g.Go(func() error {
		<-ctx.Done()
		if !app.stopped.Load() {
			_ = app.httpServer.Close()
		}
		return nil
	})

	if err := app.components.Bus.Publish(events.AppStart{}); err != nil {
		slog.Error("Failed to announce application start", "error", err)
	}

	return g.Wait()
}

// Stop gracefully stops the application with the given timeout.
// Events already published are delivered before the manager shuts down.
func (app *MLSyncApp) Stop(timeout time.Duration) error {
	if !app.stopped.CompareAndSwap(false, true) {
		return nil
	}
	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error

	if w := app.components.Watcher; w != nil {
		if err := w.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}

	app.components.Bus.Close()
	if app.started.Load() {
		select {
		case <-app.components.Bus.Done():
		case <-shutdownCtx.Done():
			errs = append(errs, fmt.Errorf("event bus did not drain: %w", shutdownCtx.Err()))
		}
	}

	if err := app.components.Manager.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	if err := app.components.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	if err := app.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release lock: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Info("Server shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *MLSyncApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing to get the actual port)
func (app *MLSyncApp) GetHTTPServer() *http.Server {
	return app.httpServer
}

// Components returns the wired components
func (app *MLSyncApp) Components() *AppComponents {
	return app.components
}
