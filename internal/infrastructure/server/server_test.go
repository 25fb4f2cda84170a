package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/termhost/internal/infrastructure/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "ths")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Terminal.SocketDir = filepath.Join(dir, "s")
	cfg.Terminal.BufferDir = filepath.Join(dir, "b")
	cfg.Terminal.WorkDir = dir
	cfg.Store.Path = filepath.Join(dir, "terminals.db")
	cfg.Logging.Level = "error"
	return cfg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestServerRoutes(t *testing.T) {
	srv, err := NewServer(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	w := get(t, srv.Handler(), "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	var health map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["store"].(map[string]any)["status"])
	assert.Equal(t, "dtach", health["terminals"].(map[string]any)["backend"])

	w = get(t, srv.Handler(), "/api/terminals")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"terminals":[],"count":0}`, w.Body.String())

	w = get(t, srv.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "termhost_http_requests_total"))
}

func TestWebSocketOriginPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.CORSOrigins = []string{"http://localhost:5173"}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://localhost:5173"}})
	require.NoError(t, err)
	conn.Close()
}

func TestServerWithoutStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Enabled = false
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	w := get(t, srv.Handler(), "/health")
	var health map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "disabled", health["store"].(map[string]any)["status"])
}

func TestServerStoreFailureIsNotFatal(t *testing.T) {
	cfg := testConfig(t)
	// A directory where the database file should be.
	require.NoError(t, os.MkdirAll(cfg.Store.Path, 0o700))
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	assert.Nil(t, srv.store)
}

func TestServerRejectsBadBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Terminal.Backend = "screen"
	_, err := NewServer(cfg)
	assert.Error(t, err)
}

func TestShutdownIsClean(t *testing.T) {
	srv, err := NewServer(testConfig(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Run() }()

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.NoError(t, <-done)
}
