package manager

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/stacklok/toolhive-mlsync/internal/telemetry"
)

// Option is a function that configures the Manager
type Option func(*Manager)

// WithClock sets the clock shared by the scheduler and both debouncers
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLiveSyncIdleDebounce sets how long the live-sync queue must stay empty before
// its worker is released and the bulk job resumes
func WithLiveSyncIdleDebounce(d time.Duration) Option {
	return func(m *Manager) {
		m.liveIdleQuiet = d
	}
}

// WithLocalFilesUpdatedDebounce sets the quiet period collapsing library change
// notifications into one restart of the bulk job
func WithLocalFilesUpdatedDebounce(d time.Duration) Option {
	return func(m *Manager) {
		m.filesUpdatedQuiet = d
	}
}

// WithSyncMetrics sets the recorder for bulk passes and live-sync tasks
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(m *Manager) {
		m.syncMetrics = metrics
	}
}

// WithWorkerMetrics sets the recorder for worker spawns
func WithWorkerMetrics(metrics *telemetry.WorkerMetrics) Option {
	return func(m *Manager) {
		m.workerMetrics = metrics
	}
}

// WithTracer sets the tracer for bulk-pass and live-sync spans
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		m.tracer = tracer
	}
}
