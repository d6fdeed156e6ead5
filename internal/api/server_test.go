package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon/internal/analytics"
	"tachyon/internal/bandwidth"
	"tachyon/internal/config"
	"tachyon/internal/engine"
	"tachyon/internal/httpclient"
	"tachyon/internal/queue"
	"tachyon/internal/security"
	"tachyon/internal/storage"
)

func newTestServer(t *testing.T) (*ControlServer, string) {
	t.Helper()
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.NewConfigManager(st)
	require.NoError(t, cfg.SetEnableCommandAPI(true))
	token := cfg.GetCommandAPIToken()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	controller := engine.NewController(engine.Options{
		Logger:        logger,
		Storage:       st,
		ClientFactory: httpclient.NewFactory(httpclient.Options{}),
		Bandwidth:     bandwidth.NewManager(),
	})
	q := queue.NewDownloadQueue()
	audit := security.NewAuditLogger(logger)
	t.Cleanup(audit.Close)

	stats := analytics.NewStatsManager(st, func() (string, error) { return t.TempDir(), nil })

	s := NewControlServer(controller, q, st, cfg, audit, stats)
	return s, token
}

func TestQueueDownloadRejectsWithoutToken(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/queue", bytes.NewBufferString(`{"url":"http://example.com/file"}`))
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()

	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestQueueDownloadRejectsNonLoopback(t *testing.T) {
	s, token := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/queue", bytes.NewBufferString(`{"url":"http://example.com/file"}`))
	req.RemoteAddr = "203.0.113.5:12345"
	req.Header.Set("X-Tachyon-Token", token)
	w := httptest.NewRecorder()

	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetStatusWithValidToken(t *testing.T) {
	s, token := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	req.Header.Set("X-Tachyon-Token", token)
	w := httptest.NewRecorder()

	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "running", body["status"])
}

func TestGetAnalyticsWithValidToken(t *testing.T) {
	s, token := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/analytics", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	req.Header.Set("X-Tachyon-Token", token)
	w := httptest.NewRecorder()

	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestResumePausedTaskReenqueues(t *testing.T) {
	s, token := newTestServer(t)

	task := storage.DownloadTask{ID: "task-resume-1", Filename: "file.bin", Status: "paused"}
	require.NoError(t, s.storage.SaveTask(task))

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/task-resume-1/control", bytes.NewBufferString(`{"action":"resume"}`))
	req.RemoteAddr = "127.0.0.1:12345"
	req.Header.Set("X-Tachyon-Token", token)
	w := httptest.NewRecorder()

	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	updated, err := s.storage.GetTask("task-resume-1")
	require.NoError(t, err)
	assert.Equal(t, "pending", updated.Status)
	assert.Equal(t, 1, s.queue.Len())
}

func TestResumeNonPausedTaskFails(t *testing.T) {
	s, token := newTestServer(t)

	task := storage.DownloadTask{ID: "task-resume-2", Filename: "file.bin", Status: "completed"}
	require.NoError(t, s.storage.SaveTask(task))

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/task-resume-2/control", bytes.NewBufferString(`{"action":"resume"}`))
	req.RemoteAddr = "127.0.0.1:12345"
	req.Header.Set("X-Tachyon-Token", token)
	w := httptest.NewRecorder()

	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestQueueDownloadPersistsConnections(t *testing.T) {
	s, token := newTestServer(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	body := bytes.NewBufferString(`{"url":"` + srv.URL + `","connections":8}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/queue", body)
	req.RemoteAddr = "127.0.0.1:12345"
	req.Header.Set("X-Tachyon-Token", token)
	w := httptest.NewRecorder()

	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp EnqueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	task, err := s.storage.GetTask(resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 8, task.Connections)
}

func TestQueueDownloadForceAnonymizerWithoutSidecarConfiguredFails(t *testing.T) {
	s, token := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/queue", bytes.NewBufferString(`{"url":"http://example.com/file","force_anonymizer":true}`))
	req.RemoteAddr = "127.0.0.1:12345"
	req.Header.Set("X-Tachyon-Token", token)
	w := httptest.NewRecorder()

	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	s, token := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/does-not-exist", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	req.Header.Set("X-Tachyon-Token", token)
	w := httptest.NewRecorder()

	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
