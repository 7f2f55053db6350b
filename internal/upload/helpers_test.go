package upload

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/gcs-connector/internal/manifest"
)

type mockStorage struct {
	mock.Mock

	mu   sync.Mutex
	puts []string
}

func (m *mockStorage) Put(ctx context.Context, localPath, bucket, object string) error {
	args := m.Called(ctx, localPath, bucket, object)
	if args.Error(0) == nil {
		m.mu.Lock()
		m.puts = append(m.puts, bucket+"/"+object)
		m.mu.Unlock()
	}
	return args.Error(0)
}

func (m *mockStorage) PutBytes(ctx context.Context, data []byte, bucket, object, contentType string) error {
	args := m.Called(ctx, data, bucket, object, contentType)
	return args.Error(0)
}

func (m *mockStorage) Get(ctx context.Context, bucket, object string) ([]byte, error) {
	args := m.Called(ctx, bucket, object)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockStorage) uploaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.puts))
	copy(out, m.puts)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, AttemptTimeout: time.Second}
}

func newTestShipper(store *mockStorage) *shipper {
	return &shipper{
		store:   store,
		retry:   testRetry(),
		entries: manifest.NewEntries(),
		logger:  testLogger(),
	}
}

// writeFile creates dir/name with data and sets its modification time.
func writeFile(t *testing.T, dir, name, data string, mod time.Time) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o600))
	require.NoError(t, os.Chtimes(p, mod, mod))
	return p
}
