package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-mlsync/internal/config"
)

// memorySession keeps the token in memory instead of the OS keyring
type memorySession struct {
	mu    sync.Mutex
	token string
}

func (s *memorySession) SetToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *memorySession) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

func (s *memorySession) Token(_ context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func freeAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

// startTestApp builds an app with in-process workers over a small library and runs it
func startTestApp(t *testing.T) (*MLSyncApp, string) {
	t.Helper()

	cfg := createValidTestConfig(t)
	cfg.SyncJob = &config.SyncJobPolicy{Interval: "50ms", MaxInterval: "200ms"}
	for name, content := range map[string]string{"beach.jpg": "sand", "dog.png": "woof", "notes.txt": "skip"} {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Library.Root, name), []byte(content), 0o600))
	}

	addr := freeAddress(t)
	app, err := NewMLSyncApp(context.Background(),
		WithConfig(cfg),
		WithAddress(addr),
		WithSession(&memorySession{}),
	)
	require.NoError(t, err)

	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Start()
	}()

	t.Cleanup(func() {
		require.NoError(t, app.Stop(5*time.Second))
		select {
		case startErr := <-errChan:
			require.NoError(t, startErr)
		case <-time.After(5 * time.Second):
			t.Fatal("Start() did not return after Stop()")
		}
	})

	base := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	return app, base
}

func doRequest(t *testing.T, method, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestMLSyncApp_LoginSyncsLibraryAndLogoutClearsIt(t *testing.T) {
	t.Parallel()

	app, base := startTestApp(t)
	st := app.Components().Store
	ctx := context.Background()

	// Nothing happens without a session
	time.Sleep(100 * time.Millisecond)
	count, err := st.CountFiles(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	resp := doRequest(t, http.MethodPut, base+"/v1/session", "session-token")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		n, err := st.CountFiles(ctx)
		return err == nil && n == 2
	}, 5*time.Second, 20*time.Millisecond, "both media files should be synced")

	resp = doRequest(t, http.MethodGet, base+"/v1/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, true, status["loggedIn"])

	resp = doRequest(t, http.MethodDelete, base+"/v1/session", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		n, err := st.CountFiles(ctx)
		return err == nil && n == 0 && app.Components().Manager.Status(ctx).JobState == "not_started"
	}, 5*time.Second, 20*time.Millisecond, "logout should clear the bookkeeping")
}

func TestMLSyncApp_SecondInstanceIsRejected(t *testing.T) {
	t.Parallel()

	cfg := createValidTestConfig(t)
	first, err := NewMLSyncApp(context.Background(),
		WithConfig(cfg),
		WithAddress(freeAddress(t)),
		WithSession(&memorySession{}),
	)
	require.NoError(t, err)

	_, err = NewMLSyncApp(context.Background(),
		WithConfig(cfg),
		WithAddress(freeAddress(t)),
		WithSession(&memorySession{}),
	)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	// Stop without Start releases everything
	require.NoError(t, first.Stop(time.Second))
	require.NoError(t, first.Stop(time.Second))
}

func TestMLSyncApp_StartTwiceFails(t *testing.T) {
	t.Parallel()

	app, _ := startTestApp(t)
	require.Error(t, app.Start())
}
