// Package scheduler runs the recurring bulk sync pass with an exponential backoff
// while there is nothing left to sync.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/stacklok/toolhive-mlsync/internal/config"
	"github.com/stacklok/toolhive-mlsync/internal/otel"
	"github.com/stacklok/toolhive-mlsync/internal/telemetry"
)

// JobState is the lifecycle state of a Job
type JobState int

const (
	// StateNotStarted is the state of a Job that was never started
	StateNotStarted JobState = iota
	// StateScheduled means a timer is armed for the next pass
	StateScheduled
	// StateRunning means a pass is executing
	StateRunning
	// StateStopped means the Job was stopped and no timer is armed
	StateStopped
)

func (s JobState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// JobResult is what a pass reports back to the scheduler
type JobResult struct {
	// ShouldBackoff grows the interval before the next pass instead of resetting it
	ShouldBackoff bool
}

// SyncFunc performs one bulk pass
type SyncFunc func(ctx context.Context) (*JobResult, error)

// Job schedules SyncFunc on a one-shot timer that is re-armed after every pass.
// Passes never overlap. Stop does not interrupt a pass that is already running.
type Job struct {
	name    string
	cfg     config.SyncJobConfig
	syncFn  SyncFunc
	clock   clock.Clock
	metrics *telemetry.SyncMetrics
	tracer  trace.Tracer

	mu        sync.Mutex
	ctx       context.Context
	state     JobState
	backoff   *backoff.ExponentialBackOff
	interval  time.Duration
	inFlight  bool
	gen       uint64
	timerStop chan struct{}
	timer     clock.Timer
}

// Option is a function that configures the Job
type Option func(*Job)

// WithClock sets the clock used for timers
func WithClock(c clock.Clock) Option {
	return func(j *Job) {
		j.clock = c
	}
}

// WithSyncMetrics sets the metrics recorded for every pass
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(j *Job) {
		j.metrics = metrics
	}
}

// WithTracer sets the tracer used for pass spans
func WithTracer(tracer trace.Tracer) Option {
	return func(j *Job) {
		j.tracer = tracer
	}
}

// WithName sets the name used in logs
func WithName(name string) Option {
	return func(j *Job) {
		j.name = name
	}
}

// New creates a Job in StateNotStarted
func New(cfg config.SyncJobConfig, syncFn SyncFunc, opts ...Option) *Job {
	j := &Job{
		name:   "ml-sync",
		cfg:    cfg,
		syncFn: syncFn,
		clock:  clock.RealClock{},
		state:  StateNotStarted,
	}

	for _, opt := range opts {
		opt(j)
	}

	j.backoff = &backoff.ExponentialBackOff{
		InitialInterval:     cfg.Interval,
		RandomizationFactor: 0,
		Multiplier:          cfg.BackoffMultiplier,
		MaxInterval:         cfg.MaxInterval,
	}
	j.resetInterval()

	return j
}

// Start arms the timer at the base interval.
// It is a no-op while the Job is already scheduled or running.
// ctx is handed to every pass until the Job is stopped.
func (j *Job) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state == StateScheduled || j.state == StateRunning {
		slog.Debug("Sync job already started", "job", j.name, "job_state", j.state.String())
		return
	}

	j.ctx = ctx
	j.state = StateScheduled
	j.resetInterval()
	j.arm(j.interval)

	slog.Info("Sync job started", "job", j.name, "interval", j.interval)
}

// Stop disarms the timer and moves the Job to StateStopped.
// A pass in flight is left to finish. Stop is safe on a nil Job and before Start.
func (j *Job) Stop() {
	if j == nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state == StateStopped {
		return
	}

	j.disarm()
	j.gen++
	j.state = StateStopped

	slog.Info("Sync job stopped", "job", j.name, "pass_in_flight", j.inFlight)
}

// State returns the current state
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// NextInterval returns the delay that was used to arm the current timer, or that
// will be used for the next one
func (j *Job) NextInterval() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.interval
}

// resetInterval rewinds the backoff to the base interval; must hold mu.
// The first value after Reset is the base interval itself, so it is consumed here
// and the next NextBackOff yields base*multiplier.
func (j *Job) resetInterval() {
	j.backoff.Reset()
	j.interval = j.backoff.NextBackOff()
}

// arm starts a one-shot timer; must hold mu
func (j *Job) arm(d time.Duration) {
	j.disarm()
	j.gen++

	gen := j.gen
	timer := j.clock.NewTimer(d)
	stop := make(chan struct{})
	j.timer = timer
	j.timerStop = stop

	go j.wait(timer, stop, gen)
}

// disarm drops the armed timer, if any; must hold mu
func (j *Job) disarm() {
	if j.timer == nil {
		return
	}
	j.timer.Stop()
	close(j.timerStop)
	j.timer = nil
	j.timerStop = nil
}

func (j *Job) wait(timer clock.Timer, stop <-chan struct{}, gen uint64) {
	select {
	case <-timer.C():
		j.fire(gen)
	case <-stop:
	}
}

func (j *Job) fire(gen uint64) {
	j.mu.Lock()
	if gen != j.gen || j.state != StateScheduled {
		j.mu.Unlock()
		return
	}
	j.timer = nil
	j.timerStop = nil

	// A pass from before a Stop/Start cycle may still be running
	if j.inFlight {
		slog.Debug("Previous pass still running, postponing", "job", j.name)
		j.arm(j.interval)
		j.mu.Unlock()
		return
	}

	j.state = StateRunning
	j.inFlight = true
	ctx := j.ctx
	j.mu.Unlock()

	result, err := j.runPass(ctx)

	j.mu.Lock()
	defer j.mu.Unlock()

	j.inFlight = false
	if j.state != StateRunning || j.gen != gen {
		return
	}

	switch {
	case err != nil:
		slog.Error("Sync pass failed", "job", j.name, "error", err)
		j.resetInterval()
	case result != nil && result.ShouldBackoff:
		j.interval = j.backoff.NextBackOff()
	default:
		j.resetInterval()
	}

	j.state = StateScheduled
	j.arm(j.interval)
	slog.Debug("Sync job re-armed", "job", j.name, "interval", j.interval)
}

// runPass invokes syncFn without holding the lock and converts a panic into an error
func (j *Job) runPass(ctx context.Context) (result *JobResult, err error) {
	ctx, span := otel.StartSpan(ctx, j.tracer, "scheduler.bulk_pass")
	defer span.End()

	start := j.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("sync pass panicked: %v", r)
		}
		otel.RecordError(span, err)
		if result != nil {
			span.SetAttributes(otel.AttrShouldBackoff.Bool(result.ShouldBackoff))
		}
		j.metrics.RecordBulkPass(ctx, j.clock.Since(start), err == nil)
	}()

	return j.syncFn(ctx)
}
