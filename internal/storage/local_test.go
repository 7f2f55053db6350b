package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLocalStorage(t *testing.T) {
	t.Run("creates directory if not exists", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "buckets")

		storage, err := NewLocalStorage(root)
		if err != nil {
			t.Fatalf("NewLocalStorage() error = %v", err)
		}

		if storage.Root() != root {
			t.Errorf("Root() = %v, want %v", storage.Root(), root)
		}

		info, err := os.Stat(root)
		if err != nil {
			t.Fatalf("directory not created: %v", err)
		}
		if !info.IsDir() {
			t.Error("expected directory, got file")
		}
	})

	t.Run("uses default directory when empty", func(t *testing.T) {
		storage, err := NewLocalStorage("")
		if err != nil {
			t.Fatalf("NewLocalStorage() error = %v", err)
		}

		expected := filepath.Join(os.TempDir(), "gcs-connector")
		if storage.Root() != expected {
			t.Errorf("Root() = %v, want %v", storage.Root(), expected)
		}
	})
}

func TestLocalStorage_PutGet(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "x_0001.mp4")
	if err := os.WriteFile(src, []byte("segment"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := storage.Put(ctx, src, "b", "v/x_0001.mp4"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := storage.Get(ctx, "b", "v/x_0001.mp4")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "segment" {
		t.Errorf("got %q, want %q", got, "segment")
	}

	if _, err := os.Stat(src); err != nil {
		t.Errorf("Put must not remove the source file: %v", err)
	}
}

func TestLocalStorage_PutBytes(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if err := storage.PutBytes(ctx, []byte(`{"a":1}`), "b", "manifest.json", "application/json"); err != nil {
		t.Fatalf("PutBytes() error = %v", err)
	}
	if err := storage.PutBytes(ctx, []byte(`{"a":2}`), "b", "manifest.json", ""); err != nil {
		t.Fatalf("PutBytes() overwrite error = %v", err)
	}

	got, err := storage.Get(ctx, "b", "manifest.json")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `{"a":2}` {
		t.Errorf("got %q", got)
	}
}

func TestLocalStorage_Errors(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	t.Run("missing object", func(t *testing.T) {
		_, err := storage.Get(ctx, "b", "nope.json")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("missing source file", func(t *testing.T) {
		err := storage.Put(ctx, "/non/existent/file", "b", "x.mp4")
		if err == nil {
			t.Error("expected error for non-existent file")
		}
	})

	t.Run("object escaping the root", func(t *testing.T) {
		err := storage.PutBytes(ctx, []byte("x"), "b", "../../etc/passwd", "")
		if !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("expected ErrPermissionDenied, got %v", err)
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := storage.Get(cctx, "b", "x")
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		err = storage.Put(cctx, "/some/path", "b", "x")
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func setupTestStorage(t *testing.T) *LocalStorage {
	t.Helper()
	storage, err := NewLocalStorage(filepath.Join(t.TempDir(), "root"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return storage
}
