package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/gcs-connector/internal/storage"
	"github.com/maauso/gcs-connector/internal/upload"
)

// mockConnector implements Connector for testing.
type mockConnector struct {
	mock.Mock
}

func (m *mockConnector) Notify(path string) bool {
	args := m.Called(path)
	return args.Bool(0)
}

func (m *mockConnector) Flush(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockConnector) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockConnector) RunID() string {
	return "run-1"
}

func (m *mockConnector) Status() upload.Status {
	args := m.Called()
	return args.Get(0).(upload.Status)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestHandlers(t *testing.T) (*Handlers, *mockConnector) {
	t.Helper()
	c := &mockConnector{}
	return NewHandlers(c, testLogger()), c
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.Health(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	err := json.NewDecoder(rec.Body).Decode(&resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
}

func TestStatus(t *testing.T) {
	h, c := newTestHandlers(t)
	c.On("Status").Return(upload.Status{
		RunID:    "run-1",
		Running:  true,
		Entries:  2,
		Manifest: "gs://b/v/manifest.json",
		Workers: []upload.WorkerStatus{
			{Name: "gs://b/v/x.mp4", Kind: "segment", Uploaded: 2},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.Status(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp upload.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "run-1", resp.RunID)
	assert.True(t, resp.Running)
	assert.Equal(t, 2, resp.Entries)
	require.Len(t, resp.Workers, 1)
	assert.Equal(t, int64(2), resp.Workers[0].Uploaded)
}

func TestNotify(t *testing.T) {
	h, c := newTestHandlers(t)
	c.On("Notify", "/work/x_0001.mp4").Return(true)

	req := httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(`{"path": "/work/x_0001.mp4"}`))
	rec := httptest.NewRecorder()
	h.Notify(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp NotifyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Matched)
	c.AssertExpectations(t)
}

func TestNotify_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"invalid json", `{"path":`, "INVALID_JSON"},
		{"missing path", `{}`, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, c := newTestHandlers(t)

			req := httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.Notify(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.code, resp.Code)
			c.AssertNotCalled(t, "Notify", mock.Anything)
		})
	}
}

func TestFlush(t *testing.T) {
	h, c := newTestHandlers(t)
	c.On("Flush", mock.Anything).Return(nil)
	c.On("Status").Return(upload.Status{Manifest: "gs://b/manifest.json", Entries: 3})

	req := httptest.NewRequest(http.MethodPost, "/flush", nil)
	rec := httptest.NewRecorder()
	h.Flush(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp FlushResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "gs://b/manifest.json", resp.Manifest)
	assert.Equal(t, 3, resp.Entries)
}

func TestFlush_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"transient", errors.New("upload: max attempts exceeded"), http.StatusBadGateway},
		{"permanent", storage.ErrPermissionDenied, http.StatusFailedDependency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, c := newTestHandlers(t)
			c.On("Flush", mock.Anything).Return(tt.err)

			req := httptest.NewRequest(http.MethodPost, "/flush", nil)
			rec := httptest.NewRecorder()
			h.Flush(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, "FLUSH_FAILED", resp.Code)
		})
	}
}

func TestRouter_Integration(t *testing.T) {
	h, c := newTestHandlers(t)
	c.On("Status").Return(upload.Status{RunID: "run-1"})

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "connector_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	router := NewRouter(h, reg, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "run-1")

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "connector_test_total 1")

	// Wrong method
	req = httptest.NewRequest(http.MethodPost, "/status", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouter_WithoutMetrics(t *testing.T) {
	h, _ := newTestHandlers(t)
	router := NewRouter(h, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	// Create a handler that panics
	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware(testLogger())(panicHandler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp ErrorResponse
	err := json.NewDecoder(rec.Body).Decode(&resp)
	require.NoError(t, err)
	assert.Equal(t, "INTERNAL_ERROR", resp.Code)
}

func TestLoggingMiddleware_CapturesStatus(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handler := LoggingMiddleware(logger, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Contains(t, buf.String(), "status=418")
	assert.Contains(t, buf.String(), "bytes=5")

	buf.Reset()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, buf.String())
}

func TestRouter_LogsRunID(t *testing.T) {
	h, c := newTestHandlers(t)
	c.On("Notify", "/work/x_0001.mp4").Return(true)

	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	router := NewRouter(h, nil, logger)

	req := httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(`{"path":"/work/x_0001.mp4"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, buf.String(), "run_id=run-1")
	assert.Contains(t, buf.String(), "path=/notify")
}

func TestRecoveryMiddleware_LogsRequest(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("flush exploded")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/flush", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, buf.String(), "method=POST")
	assert.Contains(t, buf.String(), "path=/flush")
	assert.Contains(t, buf.String(), "flush exploded")
}
