package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/stacklok/toolhive-mlsync/internal/config"
	"github.com/stacklok/toolhive-mlsync/internal/telemetry"
)

var testJobConfig = config.SyncJobConfig{
	Interval:          30 * time.Second,
	MaxInterval:       960 * time.Second,
	BackoffMultiplier: 2,
}

// countingSync returns a SyncFunc that counts its calls and reports the given result
func countingSync(calls *atomic.Int32, result func() (*JobResult, error)) SyncFunc {
	return func(_ context.Context) (*JobResult, error) {
		calls.Add(1)
		return result()
	}
}

// stepPass advances the clock by the job's next interval and waits until the
// resulting pass finished and the job re-armed
func stepPass(t *testing.T, fc *testingclock.FakeClock, job *Job, calls *atomic.Int32) {
	t.Helper()

	want := calls.Load() + 1
	fc.Step(job.NextInterval())
	require.Eventually(t, func() bool {
		return calls.Load() == want && fc.HasWaiters() && job.State() == StateScheduled
	}, time.Second, time.Millisecond)
}

func TestJobState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "not_started", StateNotStarted.String())
	assert.Equal(t, "scheduled", StateScheduled.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown(9)", JobState(9).String())
}

func TestJob_StartIsIdempotent(t *testing.T) {
	t.Parallel()

	fc := testingclock.NewFakeClock(time.Now())
	var calls atomic.Int32
	job := New(testJobConfig, countingSync(&calls, func() (*JobResult, error) {
		return &JobResult{}, nil
	}), WithClock(fc))

	job.Start(context.Background())
	job.Start(context.Background())
	assert.Equal(t, StateScheduled, job.State())
	assert.Equal(t, 30*time.Second, job.NextInterval())

	fc.Step(29 * time.Second)
	assert.Equal(t, int32(0), calls.Load())

	fc.Step(time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 1 && fc.HasWaiters() }, time.Second, time.Millisecond)

	// Only one pass per interval even though Start was called twice
	stepPass(t, fc, job, &calls)
	assert.Equal(t, int32(2), calls.Load())

	job.Stop()
}

func TestJob_BackoffGrowsAndResets(t *testing.T) {
	t.Parallel()

	fc := testingclock.NewFakeClock(time.Now())
	var calls atomic.Int32
	var backoffWanted atomic.Bool
	backoffWanted.Store(true)

	job := New(testJobConfig, countingSync(&calls, func() (*JobResult, error) {
		return &JobResult{ShouldBackoff: backoffWanted.Load()}, nil
	}), WithClock(fc))
	job.Start(context.Background())
	defer job.Stop()

	want := []time.Duration{60, 120, 240, 480, 960, 960}
	previous := job.NextInterval()
	for _, seconds := range want {
		stepPass(t, fc, job, &calls)
		got := job.NextInterval()
		assert.Equal(t, seconds*time.Second, got)
		assert.GreaterOrEqual(t, got, previous, "interval must never shrink while backing off")
		previous = got
	}

	backoffWanted.Store(false)
	stepPass(t, fc, job, &calls)
	assert.Equal(t, 30*time.Second, job.NextInterval())
}

func TestJob_FailedPassRearmsAtBaseInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sync SyncFunc
	}{
		{name: "error", sync: func(_ context.Context) (*JobResult, error) {
			return nil, errors.New("worker unreachable")
		}},
		{name: "panic", sync: func(_ context.Context) (*JobResult, error) {
			panic("extractor crashed")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fc := testingclock.NewFakeClock(time.Now())
			var calls atomic.Int32
			backoffFirst := true
			job := New(testJobConfig, func(ctx context.Context) (*JobResult, error) {
				calls.Add(1)
				if backoffFirst {
					backoffFirst = false
					return &JobResult{ShouldBackoff: true}, nil
				}
				return tt.sync(ctx)
			}, WithClock(fc))
			job.Start(context.Background())
			defer job.Stop()

			stepPass(t, fc, job, &calls)
			require.Equal(t, 60*time.Second, job.NextInterval())

			stepPass(t, fc, job, &calls)
			assert.Equal(t, 30*time.Second, job.NextInterval())
			assert.Equal(t, StateScheduled, job.State())
		})
	}
}

func TestJob_StopThenStartIsScheduled(t *testing.T) {
	t.Parallel()

	fc := testingclock.NewFakeClock(time.Now())
	var calls atomic.Int32
	job := New(testJobConfig, countingSync(&calls, func() (*JobResult, error) {
		return &JobResult{ShouldBackoff: true}, nil
	}), WithClock(fc))

	job.Start(context.Background())
	stepPass(t, fc, job, &calls)
	require.Equal(t, 60*time.Second, job.NextInterval())

	job.Stop()
	assert.Equal(t, StateStopped, job.State())
	assert.False(t, fc.HasWaiters())

	job.Start(context.Background())
	assert.Equal(t, StateScheduled, job.State())
	assert.Equal(t, 30*time.Second, job.NextInterval(), "start resets the backoff")
	assert.True(t, fc.HasWaiters())
	job.Stop()
}

func TestJob_StopWithoutStart(t *testing.T) {
	t.Parallel()

	job := New(testJobConfig, func(_ context.Context) (*JobResult, error) { return nil, nil })
	assert.NotPanics(t, job.Stop)
	assert.Equal(t, StateStopped, job.State())
	assert.NotPanics(t, job.Stop)

	var nilJob *Job
	assert.NotPanics(t, nilJob.Stop)
}

func TestJob_StopLetsInFlightPassFinish(t *testing.T) {
	t.Parallel()

	fc := testingclock.NewFakeClock(time.Now())
	entered := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	job := New(testJobConfig, func(_ context.Context) (*JobResult, error) {
		close(entered)
		<-release
		close(finished)
		return &JobResult{}, nil
	}, WithClock(fc))

	job.Start(context.Background())
	fc.Step(30 * time.Second)
	<-entered
	assert.Equal(t, StateRunning, job.State())

	job.Stop()
	assert.Equal(t, StateStopped, job.State())

	close(release)
	<-finished
	require.Never(t, func() bool { return job.State() != StateStopped || fc.HasWaiters() },
		50*time.Millisecond, 5*time.Millisecond, "a stopped job must not re-arm after its pass")
}

func TestJob_RestartDuringPassDoesNotOverlap(t *testing.T) {
	t.Parallel()

	fc := testingclock.NewFakeClock(time.Now())
	var running, overlaps atomic.Int32
	release := make(chan struct{})
	var calls atomic.Int32
	job := New(testJobConfig, func(_ context.Context) (*JobResult, error) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer running.Add(-1)
		if calls.Add(1) == 1 {
			<-release
		}
		return &JobResult{}, nil
	}, WithClock(fc))

	job.Start(context.Background())
	fc.Step(30 * time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	job.Stop()
	job.Start(context.Background())

	// The new timer fires while the first pass is still running
	fc.Step(30 * time.Second)
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	require.Eventually(t, func() bool {
		job.mu.Lock()
		defer job.mu.Unlock()
		return !job.inFlight
	}, time.Second, time.Millisecond)

	stepPass(t, fc, job, &calls)
	assert.Equal(t, int32(0), overlaps.Load())
	job.Stop()
}

func TestJob_PassDurationFollowsJobClock(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := telemetry.NewSyncMetrics(mp)
	require.NoError(t, err)

	fc := testingclock.NewFakeClock(time.Now())
	var calls atomic.Int32
	job := New(testJobConfig, countingSync(&calls, func() (*JobResult, error) {
		// The pass takes seven virtual seconds and no wall time at all
		fc.Step(7 * time.Second)
		return &JobResult{}, nil
	}), WithClock(fc), WithSyncMetrics(metrics))
	job.Start(context.Background())
	defer job.Stop()

	stepPass(t, fc, job, &calls)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var passes *metricdata.Histogram[float64]
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if h, ok := m.Data.(metricdata.Histogram[float64]); ok && m.Name == "thv_mlsync_bulk_pass_duration_seconds" {
				passes = &h
			}
		}
	}
	require.NotNil(t, passes)
	require.Len(t, passes.DataPoints, 1)
	assert.Equal(t, uint64(1), passes.DataPoints[0].Count)
	assert.InDelta(t, 7.0, passes.DataPoints[0].Sum, 1e-9)
}
