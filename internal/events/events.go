// Package events defines the application lifecycle events the sync orchestrator
// reacts to, and an in-process bus that delivers them in order.
package events

import (
	"github.com/stacklok/toolhive-mlsync/internal/worker"
)

// Event is one of AppStart, Login, Logout, FileUploaded or LocalFilesUpdated
type Event interface {
	// Name is the stable identifier used in logs and the control API
	Name() string
	isEvent()
}

// AppStart is published once the application has finished starting
type AppStart struct{}

// Login is published after a session token was stored
type Login struct{}

// Logout is published after the session token was removed
type Logout struct{}

// FileUploaded is published when a local file finished uploading and has a remote identity
type FileUploaded struct {
	RemoteFile worker.RemoteFile
	LocalFile  worker.LocalFile
}

// LocalFilesUpdated is published when the local library changed
type LocalFilesUpdated struct{}

func (AppStart) Name() string          { return "app_start" }
func (Login) Name() string             { return "login" }
func (Logout) Name() string            { return "logout" }
func (FileUploaded) Name() string      { return "file_uploaded" }
func (LocalFilesUpdated) Name() string { return "local_files_updated" }

func (AppStart) isEvent()          {}
func (Login) isEvent()             {}
func (Logout) isEvent()            {}
func (FileUploaded) isEvent()      {}
func (LocalFilesUpdated) isEvent() {}
