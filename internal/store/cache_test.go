package store

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCache_PutGet(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	cache := NewFileCache(fsys, "/data/cache")
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "fingerprints/abc.json", []byte(`{"faces":2}`)))

	got, err := cache.Get(ctx, "fingerprints/abc.json")
	require.NoError(t, err)
	assert.Equal(t, `{"faces":2}`, string(got))

	exists, err := afero.Exists(fsys, "/data/cache/fingerprints/abc.json.tmp")
	require.NoError(t, err)
	assert.False(t, exists, "temporary file must be renamed away")
}

func TestFileCache_MissingEntry(t *testing.T) {
	t.Parallel()

	cache := NewFileCache(afero.NewMemMapFs(), "/data/cache")
	_, err := cache.Get(context.Background(), "nope.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileCache_RejectsEscapingKeys(t *testing.T) {
	t.Parallel()

	cache := NewFileCache(afero.NewMemMapFs(), "/data/cache")
	ctx := context.Background()

	for _, key := range []string{"", "/etc/passwd", "../outside.json", "a/../../b"} {
		assert.Error(t, cache.Put(ctx, key, []byte("x")), "key %q", key)
		_, err := cache.Get(ctx, key)
		assert.Error(t, err, "key %q", key)
	}
}

func TestFileCache_Invalidate(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	cache := NewFileCache(fsys, "/data/cache")
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "a.json", []byte("1")))
	require.NoError(t, cache.Put(ctx, "nested/b.json", []byte("2")))
	require.NoError(t, cache.Invalidate(ctx))

	_, err := cache.Get(ctx, "a.json")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = cache.Get(ctx, "nested/b.json")
	assert.ErrorIs(t, err, ErrNotFound)

	// Invalidating an empty cache is fine and the cache stays usable
	require.NoError(t, cache.Invalidate(ctx))
	require.NoError(t, cache.Put(ctx, "a.json", []byte("3")))
}
