// Package store keeps the orchestrator's bookkeeping of which library files were
// extracted, and a cache of derived artifacts produced by extraction.
package store

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/stacklok/toolhive-mlsync/internal/store Store,Cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record or cache entry does not exist
var ErrNotFound = errors.New("not found")

// FileRecord is the bookkeeping row for one library file
type FileRecord struct {
	// Path is the absolute path of the file in the local library
	Path string `json:"path"`

	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`

	// Fingerprint is the content hash the file had when it was last extracted
	Fingerprint string `json:"fingerprint"`

	// RemoteID is the remote file identity, zero when the file is local only
	RemoteID int64 `json:"remoteId,omitempty"`

	// FaceCount is the number of detections the extractor produced
	FaceCount int `json:"faceCount"`

	SyncedAt time.Time `json:"syncedAt"`
}

// FailureRecord remembers a file whose extraction failed, so bulk passes can
// leave it alone until RetryAfter. It applies only while the file keeps the
// Size and ModTime it had when it failed.
type FailureRecord struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`

	// Attempts counts consecutive failed extractions
	Attempts int `json:"attempts"`

	LastError  string    `json:"lastError"`
	RetryAfter time.Time `json:"retryAfter"`
}

// Store persists FileRecords
type Store interface {
	// GetFile returns the record for path, or ErrNotFound
	GetFile(ctx context.Context, path string) (*FileRecord, error)

	// ListFiles returns every record ordered by path
	ListFiles(ctx context.Context) ([]*FileRecord, error)

	// CountFiles returns the number of records
	CountFiles(ctx context.Context) (int, error)

	// MarkSynced inserts or replaces the record for rec.Path and forgets any
	// failure recorded for it
	MarkSynced(ctx context.Context, rec *FileRecord) error

	// GetFailure returns the failure recorded for path, or ErrNotFound
	GetFailure(ctx context.Context, path string) (*FailureRecord, error)

	// MarkFailed inserts or replaces the failure for rec.Path
	MarkFailed(ctx context.Context, rec *FailureRecord) error

	// ClearAll removes every record and every failure
	ClearAll(ctx context.Context) error

	Close() error
}

// Cache stores derived artifacts under slash-separated relative keys
type Cache interface {
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the artifact stored under key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Invalidate drops every artifact
	Invalidate(ctx context.Context) error
}
