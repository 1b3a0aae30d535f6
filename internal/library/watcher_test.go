package library

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-mlsync/internal/events"
)

type countingPublisher struct {
	count atomic.Int32
}

func (p *countingPublisher) Publish(ev events.Event) error {
	if _, ok := ev.(events.LocalFilesUpdated); ok {
		p.count.Add(1)
	}
	return nil
}

func startWatcher(t *testing.T, root string) *countingPublisher {
	t.Helper()

	pub := &countingPublisher{}
	w, err := NewWatcher(root, pub)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return pub
}

func TestWatcher_PublishesOnFileChanges(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	pub := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "photo.jpg"), []byte("x"), 0o600))
	require.Eventually(t, func() bool { return pub.count.Load() > 0 }, 2*time.Second, 10*time.Millisecond)

	before := pub.count.Load()
	require.NoError(t, os.Remove(filepath.Join(root, "photo.jpg")))
	require.Eventually(t, func() bool { return pub.count.Load() > before }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_FollowsNewDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	pub := startWatcher(t, root)

	album := filepath.Join(root, "album")
	require.NoError(t, os.Mkdir(album, 0o750))
	require.Eventually(t, func() bool { return pub.count.Load() > 0 }, 2*time.Second, 10*time.Millisecond)

	// Give the watcher a moment to register the new directory
	time.Sleep(50 * time.Millisecond)
	before := pub.count.Load()
	require.NoError(t, os.WriteFile(filepath.Join(album, "beach.jpg"), []byte("x"), 0o600))
	require.Eventually(t, func() bool { return pub.count.Load() > before }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresHiddenFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	pub := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".DS_Store"), []byte("x"), 0o600))
	assert.Never(t, func() bool { return pub.count.Load() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestWatcher_StartAndStop(t *testing.T) {
	t.Parallel()

	w, err := NewWatcher(filepath.Join(t.TempDir(), "missing"), &countingPublisher{})
	require.NoError(t, err)
	assert.Error(t, w.Start(), "a missing root cannot be watched")
	assert.NoError(t, w.Stop(), "stopping a watcher that never ran is a no-op")

	root := t.TempDir()
	w, err = NewWatcher(root, &countingPublisher{})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	assert.Error(t, w.Start())
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
