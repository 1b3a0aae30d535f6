package app

import (
	"github.com/stacklok/toolhive-mlsync/internal/api"
	"github.com/stacklok/toolhive-mlsync/internal/auth"
	"github.com/stacklok/toolhive-mlsync/internal/events"
	"github.com/stacklok/toolhive-mlsync/internal/library"
	"github.com/stacklok/toolhive-mlsync/internal/manager"
	"github.com/stacklok/toolhive-mlsync/internal/store"
)

// SessionStore keeps the session token for the API and hands it to the manager
type SessionStore interface {
	api.Session
	auth.TokenProvider
}

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Store holds the per-file sync bookkeeping
	Store store.Store

	// Cache holds derived extraction artifacts
	Cache store.Cache

	// Session stores the session token
	Session SessionStore

	// Bus delivers lifecycle events to the manager
	Bus *events.Bus

	// Manager orchestrates the bulk job and live sync
	Manager *manager.Manager

	// Watcher reports library changes (optional)
	Watcher *library.Watcher
}
