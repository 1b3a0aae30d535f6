// Package api provides common API types and responses.
package api

import (
	"github.com/stacklok/toolhive-mlsync/internal/manager"
	"github.com/stacklok/toolhive-mlsync/internal/worker"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status" example:"healthy"`
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is the orchestrator snapshot returned by GET /v1/status
type StatusResponse struct {
	manager.Status

	// NextIntervalSeconds mirrors NextInterval in a unit clients do not need to parse
	NextIntervalSeconds float64 `json:"nextIntervalSeconds"`
}

// UploadRequest announces a finished upload.
// The file is synced by the live-sync path as soon as the queue reaches it.
type UploadRequest struct {
	RemoteFile worker.RemoteFile `json:"remoteFile"`
	LocalFile  worker.LocalFile  `json:"localFile"`
}

// LiveSyncRequest asks for an immediate live sync of one file
type LiveSyncRequest struct {
	RemoteFile worker.RemoteFile  `json:"remoteFile"`
	LocalFile  worker.LocalFile   `json:"localFile"`
	Config     *worker.SyncConfig `json:"config,omitempty"`
}

// LiveSyncResponse identifies a queued live sync
type LiveSyncResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status" example:"queued"`
	Error  string `json:"error,omitempty"`
}

// Live sync task states reported in LiveSyncResponse
const (
	TaskQueued    = "queued"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)
