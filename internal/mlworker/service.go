// Package mlworker is the worker side of the sync protocol: it serves ml.sync and
// ml.syncLocalFile over JSON-RPC and does the actual extraction and bookkeeping.
package mlworker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/stacklok/toolhive-mlsync/internal/auth"
	"github.com/stacklok/toolhive-mlsync/internal/store"
	"github.com/stacklok/toolhive-mlsync/internal/worker"
)

// DefaultBatchSize caps a bulk pass when neither the service nor the call sets a size
const DefaultBatchSize = 200

// A file whose extraction failed is left out of bulk passes for an exponentially
// growing delay, from DefaultRetryBase up to DefaultRetryMax
const (
	DefaultRetryBase = 10 * time.Minute
	DefaultRetryMax  = 24 * time.Hour
)

// mediaExtensions are the file types a bulk pass considers
var mediaExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
	".heic": true, ".heif": true, ".gif": true, ".tif": true, ".tiff": true,
}

// Service implements the worker methods
type Service struct {
	root      string
	fs        afero.Fs
	store     store.Store
	cache     store.Cache
	extractor Extractor
	batchSize int
	clock     clock.PassiveClock
	retryBase time.Duration
	retryMax  time.Duration
}

// Option is a function that configures the Service
type Option func(*Service)

// WithFs sets the filesystem the library is read from
func WithFs(fsys afero.Fs) Option {
	return func(s *Service) {
		s.fs = fsys
	}
}

// WithExtractor replaces the default FingerprintExtractor
func WithExtractor(e Extractor) Option {
	return func(s *Service) {
		s.extractor = e
	}
}

// WithBatchSize sets the default number of files extracted per bulk pass
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithClock sets the clock failure retry times are computed with
func WithClock(c clock.PassiveClock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithRetryPolicy sets how long a failed file is left alone: base after the
// first failure, doubling with each further failure up to maxDelay
func WithRetryPolicy(base, maxDelay time.Duration) Option {
	return func(s *Service) {
		if base > 0 {
			s.retryBase = base
		}
		if maxDelay >= base {
			s.retryMax = maxDelay
		}
	}
}

// NewService creates a Service over the library at root
func NewService(root string, st store.Store, cache store.Cache, opts ...Option) *Service {
	s := &Service{
		root:      root,
		fs:        afero.NewOsFs(),
		store:     st,
		cache:     cache,
		batchSize: DefaultBatchSize,
		clock:     clock.RealClock{},
		retryBase: DefaultRetryBase,
		retryMax:  DefaultRetryMax,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.extractor == nil {
		s.extractor = NewFingerprintExtractor(s.fs)
	}

	return s
}

// Assigner returns the JSON-RPC method table
func (s *Service) Assigner() jrpc2.Assigner {
	return handler.Map{
		worker.MethodSync:          handler.New(s.Sync),
		worker.MethodSyncLocalFile: handler.New(s.SyncLocalFile),
	}
}

// candidate is a library file found by a bulk pass
type candidate struct {
	path string
	info fs.FileInfo

	// failure is set when an earlier extraction of the same file content failed
	failure *store.FailureRecord
}

// Sync runs one bulk pass: it extracts up to the batch size of library files whose
// size or modification time differ from the bookkeeping, and reports how many are
// still left afterwards. Files that failed before are retried after the others, and
// only once their retry delay has passed; until then they do not count as left.
func (s *Service) Sync(ctx context.Context, p *worker.SyncParams) (*worker.SyncResult, error) {
	if err := checkToken(p.Token); err != nil {
		return nil, err
	}

	batchSize := s.batchSize
	force := false
	if p.Config != nil {
		if p.Config.BatchSize > 0 {
			batchSize = p.Config.BatchSize
		}
		force = p.Config.ForceReprocess
	}

	pending, deferred, err := s.outOfSync(ctx, force)
	if err != nil {
		return nil, err
	}

	result := &worker.SyncResult{}
	for i, c := range pending {
		if i >= batchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := s.process(ctx, c.path, c.info, 0); err != nil {
			slog.Warn("Failed to extract file", "path", c.path, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", c.path, err))
			s.recordFailure(ctx, c, err)
			continue
		}
		result.SyncedCount++
	}

	attempted := min(len(pending), batchSize)
	result.OutOfSyncCount = len(pending) - attempted

	slog.Info("Bulk pass finished",
		"synced", result.SyncedCount,
		"failed", len(result.Errors),
		"out_of_sync", result.OutOfSyncCount,
		"deferred_failures", deferred,
	)
	return result, nil
}

// SyncLocalFile extracts one uploaded file and records its remote identity
func (s *Service) SyncLocalFile(
	ctx context.Context, p *worker.SyncLocalFileParams,
) (*worker.SyncLocalFileResult, error) {
	if err := checkToken(p.Token); err != nil {
		return nil, err
	}
	if p.LocalFile.Path == "" {
		return nil, &jrpc2.Error{Code: worker.CodeInvalidParams, Message: "localFile.path is required"}
	}

	info, err := s.fs.Stat(p.LocalFile.Path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p.LocalFile.Path, err)
	}

	force := p.Config != nil && p.Config.ForceReprocess
	if !force {
		if rec, err := s.store.GetFile(ctx, p.LocalFile.Path); err == nil && unchanged(rec, info) && rec.RemoteID == p.RemoteFile.ID {
			slog.Debug("Uploaded file already synced", "path", p.LocalFile.Path, "remote_id", p.RemoteFile.ID)
			return &worker.SyncLocalFileResult{Fingerprint: rec.Fingerprint, FaceCount: rec.FaceCount}, nil
		}
	}

	extraction, err := s.process(ctx, p.LocalFile.Path, info, p.RemoteFile.ID)
	if err != nil {
		return nil, err
	}

	return &worker.SyncLocalFileResult{
		Fingerprint: extraction.Fingerprint,
		FaceCount:   extraction.FaceCount,
	}, nil
}

// outOfSync walks the library and returns the files needing extraction: first the
// ones that never failed, then the failed ones due for a retry, each group ordered by
// path. Failed files still waiting for their retry are only counted.
func (s *Service) outOfSync(ctx context.Context, force bool) ([]candidate, int, error) {
	var (
		pending  []candidate
		deferred int
	)
	now := s.clock.Now()

	err := afero.Walk(s.fs, s.root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			// A missing root is an empty library
			slog.Debug("Skipping unreadable library entry", "path", path, "error", err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		hidden := strings.HasPrefix(info.Name(), ".") && path != s.root
		if info.IsDir() {
			if hidden {
				return filepath.SkipDir
			}
			return nil
		}
		if hidden || !info.Mode().IsRegular() || !mediaExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		if !force {
			rec, err := s.store.GetFile(ctx, path)
			if err == nil && unchanged(rec, info) {
				return nil
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		c := candidate{path: path, info: info}
		failure, err := s.store.GetFailure(ctx, path)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		case failure.Size == info.Size() && failure.ModTime.Equal(info.ModTime()):
			if !force && now.Before(failure.RetryAfter) {
				deferred++
				return nil
			}
			c.failure = failure
		}

		pending = append(pending, c)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scan library %s: %w", s.root, err)
	}

	sort.Slice(pending, func(i, j int) bool {
		if retryI, retryJ := pending[i].failure != nil, pending[j].failure != nil; retryI != retryJ {
			return retryJ
		}
		return pending[i].path < pending[j].path
	})
	return pending, deferred, nil
}

// recordFailure remembers a failed extraction so later passes give the file a rest
func (s *Service) recordFailure(ctx context.Context, c candidate, cause error) {
	attempts := 1
	if c.failure != nil {
		attempts = c.failure.Attempts + 1
	}
	delay := s.retryDelay(attempts)

	err := s.store.MarkFailed(ctx, &store.FailureRecord{
		Path:       c.path,
		Size:       c.info.Size(),
		ModTime:    c.info.ModTime(),
		Attempts:   attempts,
		LastError:  cause.Error(),
		RetryAfter: s.clock.Now().Add(delay),
	})
	if err != nil {
		slog.Warn("Failed to record extraction failure", "path", c.path, "error", err)
		return
	}
	slog.Debug("Extraction failure recorded", "path", c.path, "attempts", attempts, "retry_in", delay)
}

// retryDelay is retryBase doubled for every failure after the first, capped at retryMax
func (s *Service) retryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.retryBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.retryMax,
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// process extracts path, caches the artifact and records the file as synced
func (s *Service) process(ctx context.Context, path string, info fs.FileInfo, remoteID int64) (*Extraction, error) {
	extraction, err := s.extractor.Extract(ctx, path)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Put(ctx, artifactKey(extraction.Fingerprint), extraction.Artifact); err != nil {
		return nil, err
	}

	err = s.store.MarkSynced(ctx, &store.FileRecord{
		Path:        path,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		Fingerprint: extraction.Fingerprint,
		RemoteID:    remoteID,
		FaceCount:   extraction.FaceCount,
	})
	if err != nil {
		return nil, err
	}

	return extraction, nil
}

func unchanged(rec *store.FileRecord, info fs.FileInfo) bool {
	return rec.Size == info.Size() && rec.ModTime.Equal(info.ModTime())
}

func artifactKey(fingerprint string) string {
	return "extractions/" + fingerprint + ".json"
}

func checkToken(token string) error {
	if err := auth.Validate(token); err != nil {
		return &jrpc2.Error{Code: worker.CodeUnauthenticated, Message: err.Error()}
	}
	return nil
}
