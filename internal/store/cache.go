package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

var _ Cache = (*FileCache)(nil)

// FileCache implements Cache as files under a root directory.
// Writes go through a temporary file and a rename so readers never see a partial artifact.
type FileCache struct {
	fs   afero.Fs
	root string
}

// NewFileCache creates a cache rooted at root on fsys.
// Use afero.NewOsFs for the real filesystem and afero.NewMemMapFs in tests.
func NewFileCache(fsys afero.Fs, root string) *FileCache {
	return &FileCache{fs: fsys, root: root}
}

// Put stores data under key
func (c *FileCache) Put(_ context.Context, key string, data []byte) error {
	target, err := c.resolve(key)
	if err != nil {
		return err
	}

	if err := c.fs.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("failed to create cache directory for '%s': %w", key, err)
	}

	tempPath := target + ".tmp"
	if err := afero.WriteFile(c.fs, tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cache entry '%s': %w", key, err)
	}

	if err := c.fs.Rename(tempPath, target); err != nil {
		_ = c.fs.Remove(tempPath)
		return fmt.Errorf("failed to commit cache entry '%s': %w", key, err)
	}

	return nil
}

// Get returns the artifact stored under key
func (c *FileCache) Get(_ context.Context, key string) ([]byte, error) {
	target, err := c.resolve(key)
	if err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(c.fs, target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry '%s': %w", key, err)
	}
	return data, nil
}

// Invalidate removes the whole cache directory
func (c *FileCache) Invalidate(_ context.Context) error {
	if err := c.fs.RemoveAll(c.root); err != nil {
		return fmt.Errorf("failed to clear cache at %s: %w", c.root, err)
	}
	return nil
}

// resolve maps a slash-separated key to a path below root, rejecting keys that
// would escape it
func (c *FileCache) resolve(key string) (string, error) {
	if key == "" || path.IsAbs(key) || !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(c.root, filepath.FromSlash(key)), nil
}
