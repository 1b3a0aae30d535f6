package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newManualProvider(t *testing.T) (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return reader, mp
}

func collectByName(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			found[m.Name] = m
		}
	}
	return found
}

func TestNilMetricsAreNoOps(t *testing.T) {
	t.Parallel()

	syncMetrics, err := NewSyncMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, syncMetrics)

	workerMetrics, err := NewWorkerMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, workerMetrics)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		syncMetrics.RecordBulkPass(ctx, time.Second, true)
		syncMetrics.RecordLiveSync(ctx, time.Second, false)
		syncMetrics.RecordOutOfSync(ctx, 3)
		workerMetrics.RecordSpawn(ctx, "sync-job")
	})
}

func TestSyncMetrics_Record(t *testing.T) {
	t.Parallel()

	reader, mp := newManualProvider(t)
	metrics, err := NewSyncMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordBulkPass(ctx, 2*time.Second, true)
	metrics.RecordBulkPass(ctx, 4*time.Second, false)
	metrics.RecordLiveSync(ctx, 500*time.Millisecond, true)
	metrics.RecordOutOfSync(ctx, 9)
	metrics.RecordOutOfSync(ctx, 4)

	found := collectByName(t, reader)

	bulk, ok := found["thv_mlsync_bulk_pass_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.Len(t, bulk.DataPoints, 2, "success and failure are separate series")

	live, ok := found["thv_mlsync_live_sync_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, live.DataPoints, 1)
	assert.Equal(t, uint64(1), live.DataPoints[0].Count)

	gauge, ok := found["thv_mlsync_out_of_sync_files"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(4), gauge.DataPoints[0].Value)
}

func TestWorkerMetrics_RecordSpawn(t *testing.T) {
	t.Parallel()

	reader, mp := newManualProvider(t)
	metrics, err := NewWorkerMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordSpawn(ctx, "sync-job")
	metrics.RecordSpawn(ctx, "sync-job")
	metrics.RecordSpawn(ctx, "live-sync")

	found := collectByName(t, reader)
	sum, ok := found["thv_mlsync_worker_spawns_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)

	perHandle := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		handle, _ := dp.Attributes.Value("handle")
		perHandle[handle.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"sync-job": 2, "live-sync": 1}, perHandle)
}
