package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)

// LocalStorage implements Storage on local disk. Each bucket is a directory
// under root. It serves development setups and tests.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates a new LocalStorage rooted at root.
// The directory is created if it doesn't exist.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "gcs-connector")
	}

	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	return &LocalStorage{root: root}, nil
}

// Root returns the storage root directory.
func (s *LocalStorage) Root() string {
	return s.root
}

// Put copies localPath to <root>/<bucket>/<object>.
func (s *LocalStorage) Put(ctx context.Context, localPath, bucket, object string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	src, err := os.Open(localPath) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer func() { _ = src.Close() }()

	return s.write(bucket, object, src)
}

// PutBytes writes data to <root>/<bucket>/<object>.
func (s *LocalStorage) PutBytes(ctx context.Context, data []byte, bucket, object, _ string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}
	return s.write(bucket, object, bytes.NewReader(data))
}

// Get reads <root>/<bucket>/<object>.
func (s *LocalStorage) Get(ctx context.Context, bucket, object string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	dst, err := s.objectPath(bucket, object)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(dst) // #nosec G304 - confined to root by objectPath
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, object)
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// write stages the object in a temp file and renames it into place so a
// reader never observes a partial object.
func (s *LocalStorage) write(bucket, object string, data io.Reader) error {
	dst, err := s.objectPath(bucket, object)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(dst), ".upload_*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write object: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit object: %w", err)
	}
	return nil
}

func (s *LocalStorage) objectPath(bucket, object string) (string, error) {
	if bucket == "" || object == "" {
		return "", fmt.Errorf("%w: empty bucket or object", ErrNotFound)
	}
	p := filepath.Join(s.root, bucket, filepath.FromSlash(object))
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s/%s escapes storage root", ErrPermissionDenied, bucket, object)
	}
	return p, nil
}

func ext(object string) string {
	return strings.ToLower(filepath.Ext(object))
}
