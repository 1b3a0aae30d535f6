// Package worker owns the execution contexts that host feature extraction.
//
// A worker is an isolated unit of computation addressed only through its Proxy.
// The orchestrator never inspects a worker beyond that contract: it creates one
// through a Factory when work arrives, and terminates it to release its resources.
package worker

import (
	"context"
	"errors"
	"time"
)

// ErrWorkerTerminated is returned by a Proxy whose instance has been terminated
var ErrWorkerTerminated = errors.New("worker terminated")

// RemoteFile identifies a file known to the remote service
type RemoteFile struct {
	ID           int64  `json:"id"`
	CollectionID int64  `json:"collectionID,omitempty"`
	OwnerID      int64  `json:"ownerID,omitempty"`
	Title        string `json:"title,omitempty"`
	Hash         string `json:"hash,omitempty"`
}

// LocalFile points at the local copy of a file
type LocalFile struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size,omitempty"`
	ModTime time.Time `json:"modTime,omitempty"`
}

// SyncConfig overrides the worker's default extraction settings for one call
type SyncConfig struct {
	// BatchSize caps how many files a bulk pass processes. Zero keeps the worker default.
	BatchSize int `json:"batchSize,omitempty"`

	// ForceReprocess extracts features even when the file's fingerprint is unchanged
	ForceReprocess bool `json:"forceReprocess,omitempty"`
}

// SyncResult is the outcome of one bulk pass
type SyncResult struct {
	// OutOfSyncCount is the number of files still waiting for extraction after the pass
	OutOfSyncCount int `json:"outOfSyncCount"`

	// SyncedCount is the number of files processed during the pass
	SyncedCount int `json:"syncedCount"`

	// Errors holds per-file failures that did not abort the pass
	Errors []string `json:"errors,omitempty"`
}

// Proxy is the remote-callable contract exposed by a worker
//
//go:generate mockgen -destination=mocks/mock_worker.go -package=mocks github.com/stacklok/toolhive-mlsync/internal/worker Proxy,Instance,Factory
type Proxy interface {
	// Sync runs one bulk pass over the local library
	Sync(ctx context.Context, token string) (*SyncResult, error)

	// SyncLocalFile extracts features for a single, freshly uploaded file
	SyncLocalFile(ctx context.Context, token string, remote RemoteFile, local LocalFile, cfg *SyncConfig) error
}

// Instance is a live execution context
type Instance interface {
	// Proxy returns the instance's remote-callable interface
	Proxy() Proxy

	// Terminate tears the execution context down. Calls after the first are no-ops.
	Terminate() error
}

// Factory creates execution contexts
type Factory interface {
	New(ctx context.Context) (Instance, error)
}

// FactoryFunc adapts a function to the Factory interface
type FactoryFunc func(ctx context.Context) (Instance, error)

// New calls f(ctx)
func (f FactoryFunc) New(ctx context.Context) (Instance, error) {
	return f(ctx)
}
