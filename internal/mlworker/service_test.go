package mlworker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/stacklok/toolhive-mlsync/internal/store"
	"github.com/stacklok/toolhive-mlsync/internal/worker"
)

const testToken = "session-token"

type fixture struct {
	fs    afero.Fs
	store *store.SQLiteStore
	cache *store.FileCache
}

func newFixture(t *testing.T, files ...string) *fixture {
	t.Helper()

	fsys := afero.NewMemMapFs()
	for _, f := range files {
		require.NoError(t, afero.WriteFile(fsys, f, []byte("content of "+f), 0o644))
	}

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return &fixture{fs: fsys, store: st, cache: store.NewFileCache(fsys, "/data/cache")}
}

func (f *fixture) service(opts ...Option) *Service {
	return NewService("/library", f.store, f.cache, append([]Option{WithFs(f.fs)}, opts...)...)
}

// countingExtractor wraps an Extractor and counts calls
type countingExtractor struct {
	next  Extractor
	calls atomic.Int32
	fail  map[string]bool
}

func (c *countingExtractor) Extract(ctx context.Context, path string) (*Extraction, error) {
	c.calls.Add(1)
	if c.fail[path] {
		return nil, errors.New("model crashed")
	}
	return c.next.Extract(ctx, path)
}

func TestService_SyncWorksInBatches(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		"/library/a.jpg", "/library/b.JPG", "/library/2024/c.png", "/library/2024/d.heic", "/library/e.webp",
		"/library/notes.txt", "/library/.hidden.jpg", "/library/.thumbs/f.jpg",
	)
	svc := f.service(WithBatchSize(2))
	ctx := context.Background()

	wantProgress := []struct{ synced, outOfSync int }{{2, 3}, {2, 1}, {1, 0}, {0, 0}}
	for i, want := range wantProgress {
		result, err := svc.Sync(ctx, &worker.SyncParams{Token: testToken})
		require.NoError(t, err, "pass %d", i)
		assert.Equal(t, want.synced, result.SyncedCount, "pass %d", i)
		assert.Equal(t, want.outOfSync, result.OutOfSyncCount, "pass %d", i)
		assert.Empty(t, result.Errors)
	}

	n, err := f.store.CountFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	rec, err := f.store.GetFile(ctx, "/library/a.jpg")
	require.NoError(t, err)
	artifact, err := f.cache.Get(ctx, artifactKey(rec.Fingerprint))
	require.NoError(t, err)
	assert.Contains(t, string(artifact), rec.Fingerprint)
}

func TestService_SyncPicksUpModifiedFiles(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "/library/a.jpg", "/library/b.jpg")
	svc := f.service()
	ctx := context.Background()

	result, err := svc.Sync(ctx, &worker.SyncParams{Token: testToken})
	require.NoError(t, err)
	require.Equal(t, 2, result.SyncedCount)

	later := time.Now().Add(time.Hour)
	require.NoError(t, f.fs.Chtimes("/library/b.jpg", later, later))

	result, err = svc.Sync(ctx, &worker.SyncParams{Token: testToken})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedCount)
	assert.Equal(t, 0, result.OutOfSyncCount)

	// Force reprocesses everything regardless of bookkeeping
	result, err = svc.Sync(ctx, &worker.SyncParams{Token: testToken, Config: &worker.SyncConfig{ForceReprocess: true}})
	require.NoError(t, err)
	assert.Equal(t, 2, result.SyncedCount)
}

func TestService_SyncReportsPerFileErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "/library/a.jpg", "/library/b.jpg")
	extractor := &countingExtractor{
		next: NewFingerprintExtractor(f.fs),
		fail: map[string]bool{"/library/a.jpg": true},
	}
	svc := f.service(WithExtractor(extractor))

	result, err := svc.Sync(context.Background(), &worker.SyncParams{Token: testToken})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedCount)
	assert.Equal(t, 0, result.OutOfSyncCount)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "/library/a.jpg: model crashed")
}

func TestService_SyncDefersFailedFiles(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "/library/a.jpg", "/library/b.jpg", "/library/c.jpg", "/library/d.jpg")
	extractor := &countingExtractor{
		next: NewFingerprintExtractor(f.fs),
		fail: map[string]bool{"/library/a.jpg": true, "/library/b.jpg": true},
	}
	fc := testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := f.service(WithExtractor(extractor), WithBatchSize(2), WithClock(fc), WithRetryPolicy(time.Minute, 4*time.Minute))
	ctx := context.Background()
	runPass := func() *worker.SyncResult {
		t.Helper()
		result, err := svc.Sync(ctx, &worker.SyncParams{Token: testToken})
		require.NoError(t, err)
		return result
	}

	// a and b fail and take the whole batch
	result := runPass()
	assert.Zero(t, result.SyncedCount)
	assert.Equal(t, 2, result.OutOfSyncCount)
	assert.Len(t, result.Errors, 2)

	// the failures no longer block c and d
	result = runPass()
	assert.Equal(t, 2, result.SyncedCount)
	assert.Zero(t, result.OutOfSyncCount)
	assert.Empty(t, result.Errors)
	assert.Equal(t, int32(4), extractor.calls.Load())

	// nothing is due, nothing is left
	result = runPass()
	assert.Zero(t, result.SyncedCount)
	assert.Zero(t, result.OutOfSyncCount)
	assert.Empty(t, result.Errors)
	assert.Equal(t, int32(4), extractor.calls.Load())

	// once due, failed files queue behind new ones
	fc.Step(time.Minute)
	require.NoError(t, afero.WriteFile(f.fs, "/library/e.jpg", []byte("new"), 0o644))
	result = runPass()
	assert.Equal(t, 1, result.SyncedCount)
	assert.Equal(t, 1, result.OutOfSyncCount)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "/library/a.jpg")
	assert.Equal(t, int32(6), extractor.calls.Load())

	failure, err := f.store.GetFailure(ctx, "/library/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, 2, failure.Attempts)
	assert.Equal(t, "model crashed", failure.LastError)
	assert.True(t, failure.RetryAfter.Equal(fc.Now().Add(2*time.Minute)))

	// changed content is extracted right away and clears the failure
	delete(extractor.fail, "/library/a.jpg")
	require.NoError(t, afero.WriteFile(f.fs, "/library/a.jpg", []byte("fixed pixels"), 0o644))
	result = runPass()
	assert.Equal(t, 1, result.SyncedCount)
	_, err = f.store.GetFailure(ctx, "/library/a.jpg")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_RetryDelay(t *testing.T) {
	t.Parallel()

	svc := NewService("/library", nil, nil, WithRetryPolicy(time.Minute, 5*time.Minute))
	assert.Equal(t, time.Minute, svc.retryDelay(1))
	assert.Equal(t, 2*time.Minute, svc.retryDelay(2))
	assert.Equal(t, 4*time.Minute, svc.retryDelay(3))
	assert.Equal(t, 5*time.Minute, svc.retryDelay(4))
	assert.Equal(t, 5*time.Minute, svc.retryDelay(10))
}

func TestService_SyncMissingLibrary(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	result, err := f.service().Sync(context.Background(), &worker.SyncParams{Token: testToken})
	require.NoError(t, err)
	assert.Equal(t, worker.SyncResult{}, *result)
}

func TestService_RequiresToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "/library/a.jpg")
	svc := f.service()
	ctx := context.Background()

	_, err := svc.Sync(ctx, &worker.SyncParams{})
	var rpcErr *jrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, worker.CodeUnauthenticated, rpcErr.Code)

	_, err = svc.SyncLocalFile(ctx, &worker.SyncLocalFileParams{LocalFile: worker.LocalFile{Path: "/library/a.jpg"}})
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, worker.CodeUnauthenticated, rpcErr.Code)
}

func TestService_SyncLocalFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "/uploads/beach.jpg")
	extractor := &countingExtractor{next: NewFingerprintExtractor(f.fs)}
	svc := f.service(WithExtractor(extractor))
	ctx := context.Background()

	params := &worker.SyncLocalFileParams{
		Token:      testToken,
		RemoteFile: worker.RemoteFile{ID: 42, Title: "beach.jpg"},
		LocalFile:  worker.LocalFile{Path: "/uploads/beach.jpg"},
	}

	first, err := svc.SyncLocalFile(ctx, params)
	require.NoError(t, err)
	assert.NotEmpty(t, first.Fingerprint)

	rec, err := f.store.GetFile(ctx, "/uploads/beach.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.RemoteID)

	// Unchanged file with the same remote identity is not extracted again
	second, err := svc.SyncLocalFile(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, int32(1), extractor.calls.Load())

	params.Config = &worker.SyncConfig{ForceReprocess: true}
	_, err = svc.SyncLocalFile(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, int32(2), extractor.calls.Load())
}

func TestService_SyncLocalFileErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	svc := f.service()
	ctx := context.Background()

	_, err := svc.SyncLocalFile(ctx, &worker.SyncLocalFileParams{Token: testToken})
	var rpcErr *jrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, worker.CodeInvalidParams, rpcErr.Code)

	_, err = svc.SyncLocalFile(ctx, &worker.SyncLocalFileParams{
		Token:     testToken,
		LocalFile: worker.LocalFile{Path: "/uploads/missing.jpg"},
	})
	assert.Error(t, err)
}

func TestService_ServesOverJSONRPC(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "/library/a.jpg", "/library/b.jpg", "/uploads/new.jpg")
	svc := f.service(WithBatchSize(1))

	factory := &worker.LocalFactory{
		NewAssigner: func(context.Context) (jrpc2.Assigner, error) { return svc.Assigner(), nil },
	}
	instance, err := factory.New(context.Background())
	require.NoError(t, err)
	defer func() { _ = instance.Terminate() }()

	ctx := context.Background()
	result, err := instance.Proxy().Sync(ctx, testToken)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedCount)
	assert.Equal(t, 1, result.OutOfSyncCount)

	err = instance.Proxy().SyncLocalFile(ctx, testToken,
		worker.RemoteFile{ID: 9}, worker.LocalFile{Path: "/uploads/new.jpg"}, nil)
	require.NoError(t, err)

	_, err = instance.Proxy().Sync(ctx, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session")
}
