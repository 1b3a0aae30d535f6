package app

import (
	"context"
	"fmt"

	"github.com/stacklok/toolhive-mlsync/internal/config"
	"github.com/stacklok/toolhive-mlsync/internal/manager"
)

// fileJobConfig re-reads the configuration file every time the bulk job is
// created, so edits to the sync policy apply after the next logout/login cycle
type fileJobConfig struct {
	path string
}

// newJobConfigProvider returns a provider reading path, or the static policy of
// cfg when the configuration did not come from a file
func newJobConfigProvider(cfg *config.Config, path string) manager.JobConfigProvider {
	if path == "" {
		return manager.StaticJobConfig(cfg.GetSyncJobConfig())
	}
	return &fileJobConfig{path: path}
}

func (f *fileJobConfig) SyncJobConfig(_ context.Context) (config.SyncJobConfig, error) {
	cfg, err := config.LoadConfig(config.WithConfigPath(f.path))
	if err != nil {
		return config.SyncJobConfig{}, fmt.Errorf("failed to reload %s: %w", f.path, err)
	}
	return cfg.GetSyncJobConfig(), nil
}
