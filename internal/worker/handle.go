package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stacklok/toolhive-mlsync/internal/telemetry"
)

// HandleOption is a function that configures a Handle
type HandleOption func(*Handle)

// WithWorkerMetrics sets the metrics recorder for worker spawns
func WithWorkerMetrics(metrics *telemetry.WorkerMetrics) HandleOption {
	return func(h *Handle) {
		h.metrics = metrics
	}
}

// Handle lazily owns at most one worker instance.
// The proxy is only reachable through the live instance, so a handle never
// exposes a proxy without an instance behind it.
type Handle struct {
	name    string
	factory Factory
	metrics *telemetry.WorkerMetrics

	mu       sync.Mutex
	instance Instance
}

// NewHandle creates an empty handle. No worker is started until Acquire is called.
func NewHandle(name string, factory Factory, opts ...HandleOption) *Handle {
	h := &Handle{
		name:    name,
		factory: factory,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Name returns the handle's name
func (h *Handle) Name() string {
	return h.name
}

// Acquire returns the proxy of the live instance, creating the instance first if needed
func (h *Handle) Acquire(ctx context.Context) (Proxy, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.instance != nil {
		return h.instance.Proxy(), nil
	}

	instance, err := h.factory.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s worker: %w", h.name, err)
	}

	slog.Debug("Started worker", "worker", h.name)
	h.metrics.RecordSpawn(ctx, h.name)
	h.instance = instance
	return instance.Proxy(), nil
}

// Terminate tears down the live instance, if any. Calling it on an empty handle is a no-op.
func (h *Handle) Terminate() error {
	h.mu.Lock()
	instance := h.instance
	h.instance = nil
	h.mu.Unlock()

	if instance == nil {
		return nil
	}

	slog.Debug("Terminating worker", "worker", h.name)
	if err := instance.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate %s worker: %w", h.name, err)
	}
	return nil
}

// Alive reports whether the handle currently owns an instance
func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.instance != nil
}
