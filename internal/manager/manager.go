// Package manager routes application lifecycle events to the bulk sync job and the
// live-sync queue, and owns the policy that ties them together: live sync takes
// precedence over the bulk job, and logout tears everything down.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/stacklok/toolhive-mlsync/internal/auth"
	"github.com/stacklok/toolhive-mlsync/internal/config"
	"github.com/stacklok/toolhive-mlsync/internal/debounce"
	"github.com/stacklok/toolhive-mlsync/internal/events"
	"github.com/stacklok/toolhive-mlsync/internal/otel"
	"github.com/stacklok/toolhive-mlsync/internal/queue"
	"github.com/stacklok/toolhive-mlsync/internal/scheduler"
	"github.com/stacklok/toolhive-mlsync/internal/store"
	"github.com/stacklok/toolhive-mlsync/internal/telemetry"
	"github.com/stacklok/toolhive-mlsync/internal/worker"
)

// Worker handle names, also used as the "handle" metric attribute
const (
	BulkHandleName = "sync-job"
	LiveHandleName = "live-sync"
)

// ErrManagerClosed is returned by operations invoked after Shutdown
var ErrManagerClosed = errors.New("work manager is shut down")

// JobConfigProvider supplies the bulk job's timing policy
//
//go:generate mockgen -destination=mocks/mock_manager.go -package=mocks github.com/stacklok/toolhive-mlsync/internal/manager JobConfigProvider
type JobConfigProvider interface {
	SyncJobConfig(ctx context.Context) (config.SyncJobConfig, error)
}

// JobConfigProviderFunc adapts a function to JobConfigProvider
type JobConfigProviderFunc func(ctx context.Context) (config.SyncJobConfig, error)

// SyncJobConfig calls f(ctx)
func (f JobConfigProviderFunc) SyncJobConfig(ctx context.Context) (config.SyncJobConfig, error) {
	return f(ctx)
}

// StaticJobConfig always returns the same policy
func StaticJobConfig(cfg config.SyncJobConfig) JobConfigProvider {
	return JobConfigProviderFunc(func(context.Context) (config.SyncJobConfig, error) {
		return cfg, nil
	})
}

// Deps are the collaborators the Manager cannot work without
type Deps struct {
	Tokens    auth.TokenProvider
	JobConfig JobConfigProvider
	Workers   worker.Factory
	Store     store.Store
	Cache     store.Cache
}

func (d Deps) validate() error {
	var errs []error
	if d.Tokens == nil {
		errs = append(errs, errors.New("token provider is required"))
	}
	if d.JobConfig == nil {
		errs = append(errs, errors.New("job config provider is required"))
	}
	if d.Workers == nil {
		errs = append(errs, errors.New("worker factory is required"))
	}
	if d.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if d.Cache == nil {
		errs = append(errs, errors.New("cache is required"))
	}
	return errors.Join(errs...)
}

// Status is a point-in-time view of the Manager
type Status struct {
	JobState        string        `json:"jobState"`
	NextInterval    time.Duration `json:"nextInterval"`
	QueueLength     int           `json:"queueLength"`
	BulkWorkerAlive bool          `json:"bulkWorkerAlive"`
	LiveWorkerAlive bool          `json:"liveWorkerAlive"`
	IdlePending     bool          `json:"idlePending"`
	LoggedIn        bool          `json:"loggedIn"`
}

// Manager is the orchestrator. It owns one worker handle for the bulk job and
// another for live sync; the two are never shared.
type Manager struct {
	tokens    auth.TokenProvider
	jobConfig JobConfigProvider
	store     store.Store
	cache     store.Cache

	clock             clock.Clock
	liveIdleQuiet     time.Duration
	filesUpdatedQuiet time.Duration
	syncMetrics       *telemetry.SyncMetrics
	workerMetrics     *telemetry.WorkerMetrics
	tracer            trace.Tracer

	bulk         *worker.Handle
	live         *worker.Handle
	queue        *queue.Serial
	liveIdle     *debounce.Debouncer
	filesUpdated *debounce.Debouncer

	// ctx outlives individual events: bulk passes and debounced actions run under it
	ctx    context.Context
	cancel context.CancelFunc

	// bulkSlot admits one bulk pass at a time across jobs, so a pass left over
	// from a logged out session never shares the bulk worker with a new one
	bulkSlot chan struct{}

	mu            sync.Mutex
	job           *scheduler.Job
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	closed        bool
}

// New creates a Manager. Nothing runs until an event arrives or StartSyncJob is called.
func New(deps Deps, opts ...Option) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("invalid work manager dependencies: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		tokens:            deps.Tokens,
		jobConfig:         deps.JobConfig,
		store:             deps.Store,
		cache:             deps.Cache,
		clock:             clock.RealClock{},
		liveIdleQuiet:     config.DefaultLiveSyncIdleDebounce,
		filesUpdatedQuiet: config.DefaultLocalFilesUpdatedDebounce,
		ctx:               ctx,
		cancel:            cancel,
		bulkSlot:          make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.bulk = worker.NewHandle(BulkHandleName, deps.Workers, worker.WithWorkerMetrics(m.workerMetrics))
	m.live = worker.NewHandle(LiveHandleName, deps.Workers, worker.WithWorkerMetrics(m.workerMetrics))
	m.liveIdle = debounce.New(m.liveIdleQuiet, m.onLiveSyncIdle,
		debounce.WithClock(m.clock), debounce.WithName("live-sync-idle"))
	m.filesUpdated = debounce.New(m.filesUpdatedQuiet, m.onLocalFilesUpdated,
		debounce.WithClock(m.clock), debounce.WithName("local-files-updated"))
	m.queue = queue.NewSerial(queue.WithName("live-sync"), queue.WithIdleFunc(m.liveIdle.Trigger))

	return m, nil
}

// Register subscribes the Manager to bus and returns the unsubscribe function
func (m *Manager) Register(bus *events.Bus) func() {
	return bus.Subscribe(m.HandleEvent)
}

// HandleEvent dispatches one lifecycle event. Failures are logged here and never
// returned, so one bad event cannot disturb the bus.
func (m *Manager) HandleEvent(ctx context.Context, ev events.Event) error {
	slog.Debug("Handling event", "event", ev.Name())

	switch e := ev.(type) {
	case events.AppStart:
		if err := m.StartSyncJob(ctx); err != nil {
			slog.Error("Failed to start sync job on app start", "error", err)
		}
	case events.Login:
		if err := m.StartSyncJob(ctx); err != nil {
			slog.Error("Failed to start sync job on login", "error", err)
		}
	case events.Logout:
		if err := m.logout(ctx); err != nil {
			slog.Error("Logout teardown finished with errors", "error", err)
		}
	case events.FileUploaded:
		m.fileUploaded(ctx, e)
	case events.LocalFilesUpdated:
		m.filesUpdated.Trigger()
	default:
		slog.Warn("Ignoring unknown event", "event", ev.Name())
	}
	return nil
}

// StartSyncJob starts the bulk job, creating it first if needed.
// It does nothing when there is no session.
func (m *Manager) StartSyncJob(ctx context.Context) error {
	if m.isClosed() {
		return ErrManagerClosed
	}
	if _, ok := m.tokens.Token(ctx); !ok {
		slog.Debug("No session, not starting sync job")
		return nil
	}

	cfg, err := m.jobConfig.SyncJobConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to read sync job config: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.job == nil {
		m.job = scheduler.New(cfg, m.runBulkPass,
			scheduler.WithClock(m.clock),
			scheduler.WithSyncMetrics(m.syncMetrics),
			scheduler.WithTracer(m.tracer),
		)
		// Passes of this job are cancelled on logout
		m.sessionCtx, m.sessionCancel = context.WithCancel(m.ctx)
	}
	job := m.job
	sessionCtx := m.sessionCtx
	m.mu.Unlock()

	job.Start(sessionCtx)
	return nil
}

// StopSyncJob prevents further bulk passes. A pass already running is left to
// finish and releases its own worker when done.
func (m *Manager) StopSyncJob() {
	m.mu.Lock()
	job := m.job
	m.mu.Unlock()

	job.Stop()
}

// SyncLocalFile queues a live sync for one uploaded file and returns the task ID
// together with a future resolved when the task has run.
func (m *Manager) SyncLocalFile(
	ctx context.Context,
	remote worker.RemoteFile,
	local worker.LocalFile,
	cfg *worker.SyncConfig,
) (string, *queue.Future) {
	taskID := uuid.NewString()
	link := trace.LinkFromContext(ctx)

	// The queue is about to become busy, so a pending idle action is stale
	m.liveIdle.Cancel()

	future := m.queue.Enqueue(func(taskCtx context.Context) error {
		return m.runLiveSync(taskCtx, link, taskID, remote, local, cfg)
	})

	slog.Debug("Queued live sync", "task_id", taskID, "remote_id", remote.ID, "path", local.Path)
	return taskID, future
}

// Status returns a snapshot of the job, queue and worker handles
func (m *Manager) Status(ctx context.Context) Status {
	m.mu.Lock()
	job := m.job
	m.mu.Unlock()

	st := Status{
		JobState:        scheduler.StateNotStarted.String(),
		QueueLength:     m.queue.Len(),
		BulkWorkerAlive: m.bulk.Alive(),
		LiveWorkerAlive: m.live.Alive(),
		IdlePending:     m.liveIdle.Pending(),
	}
	if job != nil {
		st.JobState = job.State().String()
		st.NextInterval = job.NextInterval()
	}
	_, st.LoggedIn = m.tokens.Token(ctx)
	return st
}

// Shutdown stops everything the Manager started without touching persisted data.
// Later calls to StartSyncJob fail and new live syncs resolve with queue.ErrQueueClosed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	job := m.job
	m.mu.Unlock()

	m.liveIdle.Cancel()
	m.filesUpdated.Cancel()
	job.Stop()

	closed := make(chan struct{})
	go func() {
		m.queue.Close()
		close(closed)
	}()

	var errs []error
	select {
	case <-closed:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("live-sync queue did not drain: %w", ctx.Err()))
	}

	if err := m.live.Terminate(); err != nil {
		errs = append(errs, err)
	}
	if err := m.bulk.Terminate(); err != nil {
		errs = append(errs, err)
	}
	m.cancel()

	slog.Info("Work manager shut down")
	return errors.Join(errs...)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// logout runs every teardown step even when an earlier one fails
func (m *Manager) logout(ctx context.Context) error {
	m.mu.Lock()
	job := m.job
	cancelSession := m.sessionCancel
	m.job = nil
	m.sessionCtx, m.sessionCancel = nil, nil
	m.mu.Unlock()

	job.Stop()
	if cancelSession != nil {
		cancelSession()
	}
	m.liveIdle.Cancel()
	m.filesUpdated.Cancel()

	var errs []error
	if err := m.live.Terminate(); err != nil {
		errs = append(errs, err)
	}
	if err := m.bulk.Terminate(); err != nil {
		errs = append(errs, err)
	}
	if err := m.store.ClearAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear sync records: %w", err))
	}
	if err := m.cache.Invalidate(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to invalidate artifact cache: %w", err))
	}

	slog.Info("Logged out, sync state cleared", "failed_steps", len(errs))
	return errors.Join(errs...)
}

// fileUploaded queues the live sync and logs its outcome without blocking the bus
func (m *Manager) fileUploaded(ctx context.Context, ev events.FileUploaded) {
	taskID, future := m.SyncLocalFile(ctx, ev.RemoteFile, ev.LocalFile, nil)

	go func() {
		if err := future.Wait(m.ctx); err != nil {
			slog.Error("Live sync failed", "task_id", taskID, "path", ev.LocalFile.Path, "error", err)
			return
		}
		slog.Info("Live sync finished", "task_id", taskID, "path", ev.LocalFile.Path)
	}()
}

func (m *Manager) onLocalFilesUpdated() {
	slog.Info("Local files updated, restarting sync job")
	if err := m.StartSyncJob(m.ctx); err != nil {
		slog.Error("Failed to restart sync job", "error", err)
	}
}

// onLiveSyncIdle releases the live worker and hands the budget back to the bulk job
func (m *Manager) onLiveSyncIdle() {
	if n := m.queue.Len(); n > 0 {
		slog.Debug("Live sync queue busy again, skipping idle action", "queue_length", n)
		return
	}

	slog.Info("Live sync idle")
	if err := m.live.Terminate(); err != nil {
		slog.Error("Failed to terminate live sync worker", "error", err)
	}
	if err := m.StartSyncJob(m.ctx); err != nil {
		slog.Error("Failed to resume sync job after live sync", "error", err)
	}
}

// runBulkPass is the scheduler callback: one worker per pass, released afterwards.
// Passes wait for each other even when they belong to different jobs.
func (m *Manager) runBulkPass(ctx context.Context) (*scheduler.JobResult, error) {
	select {
	case m.bulkSlot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-m.bulkSlot }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token, ok := m.tokens.Token(ctx)
	if !ok {
		return nil, auth.ErrNoSession
	}

	defer func() {
		if err := m.bulk.Terminate(); err != nil {
			slog.Warn("Failed to release bulk sync worker", "error", err)
		}
	}()

	proxy, err := m.bulk.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	result, err := proxy.Sync(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("bulk sync failed: %w", err)
	}

	m.syncMetrics.RecordOutOfSync(ctx, result.OutOfSyncCount)
	trace.SpanFromContext(ctx).SetAttributes(otel.AttrOutOfSyncCount.Int(result.OutOfSyncCount))
	slog.Info("Bulk sync pass finished",
		"out_of_sync", result.OutOfSyncCount,
		"synced", result.SyncedCount,
		"file_errors", len(result.Errors))

	return &scheduler.JobResult{ShouldBackoff: result.OutOfSyncCount < 1}, nil
}

// runLiveSync is the body of one live-sync task
func (m *Manager) runLiveSync(
	ctx context.Context,
	link trace.Link,
	taskID string,
	remote worker.RemoteFile,
	local worker.LocalFile,
	cfg *worker.SyncConfig,
) (err error) {
	ctx, span := otel.StartSpan(ctx, m.tracer, "manager.live_sync",
		trace.WithLinks(link),
		trace.WithAttributes(
			otel.AttrTaskID.String(taskID),
			otel.AttrWorkerName.String(LiveHandleName),
			otel.AttrRemoteFileID.Int64(remote.ID),
			otel.AttrLocalFilePath.String(local.Path),
		))
	defer span.End()

	start := m.clock.Now()
	defer func() {
		otel.RecordError(span, err)
		m.syncMetrics.RecordLiveSync(ctx, m.clock.Since(start), err == nil)
	}()

	// Live sync has priority; a bulk pass already running still finishes
	m.StopSyncJob()

	token, ok := m.tokens.Token(ctx)
	if !ok {
		return auth.ErrNoSession
	}

	proxy, err := m.live.Acquire(ctx)
	if err != nil {
		return err
	}

	if err := proxy.SyncLocalFile(ctx, token, remote, local, cfg); err != nil {
		return fmt.Errorf("live sync of %s failed: %w", local.Path, err)
	}
	return nil
}
