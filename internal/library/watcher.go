// Package library watches the local media library and announces changes on the event bus.
package library

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/stacklok/toolhive-mlsync/internal/events"
)

// Publisher is the part of the event bus the watcher needs
type Publisher interface {
	Publish(ev events.Event) error
}

// Watcher publishes events.LocalFilesUpdated whenever a file below the library
// root is created, written, removed or renamed. It publishes once per filesystem
// event; collapsing bursts is up to the subscriber.
type Watcher struct {
	root      string
	publisher Publisher
	watcher   *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for root. Call Start to begin watching.
func NewWatcher(root string, publisher Publisher) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		root:      root,
		publisher: publisher,
		watcher:   w,
		done:      make(chan struct{}),
	}, nil
}

// Start adds the root and every non-hidden directory below it, then begins
// processing events in the background
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := w.addTree(w.root); err != nil {
		return err
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	slog.Info("Watching library for changes", "root", w.root)
	return nil
}

// Run starts the watcher and blocks until ctx is done, then stops it
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop()
}

// Stop stops watching and waits for the event loop to exit
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// addTree watches dir and its non-hidden subdirectories
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("failed to watch library %s: %w", dir, err)
			}
			slog.Debug("Skipping unreadable library directory", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && isHidden(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Library watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if isHidden(ev.Name) || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) {
		return
	}

	// New directories are not covered by the existing watches
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				slog.Warn("Failed to watch new library directory", "path", ev.Name, "error", err)
			}
		}
	}

	slog.Debug("Library changed", "path", ev.Name, "op", ev.Op.String())
	if err := w.publisher.Publish(events.LocalFilesUpdated{}); err != nil {
		slog.Warn("Failed to publish library change", "error", err)
	}
}

func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
