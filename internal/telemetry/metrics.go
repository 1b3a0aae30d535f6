package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/stacklok/toolhive-mlsync/sync"

	// WorkerMetricsMeterName is the name used for the worker metrics meter
	WorkerMetricsMeterName = "github.com/stacklok/toolhive-mlsync/worker"
)

var durationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// SyncMetrics holds the instruments for bulk passes and live-sync tasks
type SyncMetrics struct {
	bulkPassDuration metric.Float64Histogram
	liveSyncDuration metric.Float64Histogram
	outOfSync        metric.Int64Gauge
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	bulkPassDuration, err := meter.Float64Histogram(
		"thv_mlsync_bulk_pass_duration_seconds",
		metric.WithDescription("Duration of bulk sync passes in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, err
	}

	liveSyncDuration, err := meter.Float64Histogram(
		"thv_mlsync_live_sync_duration_seconds",
		metric.WithDescription("Duration of live sync tasks in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, err
	}

	outOfSync, err := meter.Int64Gauge(
		"thv_mlsync_out_of_sync_files",
		metric.WithDescription("Number of library files still waiting for extraction after the last bulk pass"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		bulkPassDuration: bulkPassDuration,
		liveSyncDuration: liveSyncDuration,
		outOfSync:        outOfSync,
	}, nil
}

// RecordBulkPass records the duration and outcome of one bulk pass
func (m *SyncMetrics) RecordBulkPass(ctx context.Context, duration time.Duration, success bool) {
	if m == nil || m.bulkPassDuration == nil {
		return
	}

	m.bulkPassDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordLiveSync records the duration and outcome of one live-sync task
func (m *SyncMetrics) RecordLiveSync(ctx context.Context, duration time.Duration, success bool) {
	if m == nil || m.liveSyncDuration == nil {
		return
	}

	m.liveSyncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordOutOfSync records how many files the last bulk pass left behind
func (m *SyncMetrics) RecordOutOfSync(ctx context.Context, count int) {
	if m == nil || m.outOfSync == nil {
		return
	}

	m.outOfSync.Record(ctx, int64(count))
}

// WorkerMetrics counts worker execution contexts
type WorkerMetrics struct {
	spawns metric.Int64Counter
}

// NewWorkerMetrics creates a new WorkerMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewWorkerMetrics(provider metric.MeterProvider) (*WorkerMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	spawns, err := provider.Meter(WorkerMetricsMeterName).Int64Counter(
		"thv_mlsync_worker_spawns_total",
		metric.WithDescription("Number of worker execution contexts created"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return nil, err
	}

	return &WorkerMetrics{spawns: spawns}, nil
}

// RecordSpawn counts a newly created worker for the named handle
func (m *WorkerMetrics) RecordSpawn(ctx context.Context, handle string) {
	if m == nil || m.spawns == nil {
		return
	}

	m.spawns.Add(ctx, 1, metric.WithAttributes(attribute.String("handle", handle)))
}
