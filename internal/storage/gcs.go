package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Compile-time check that GCSStorage implements Storage.
var _ Storage = (*GCSStorage)(nil)

// GCSStorage implements Storage with the native Cloud Storage client.
// The client is created on first use so missing credentials surface on the
// first upload rather than at startup.
type GCSStorage struct {
	opts []option.ClientOption

	mu     sync.Mutex
	client *gcs.Client
}

// NewGCSStorage creates a new GCSStorage. Credentials are resolved through
// Application Default Credentials (GOOGLE_APPLICATION_CREDENTIALS) unless
// opts say otherwise.
func NewGCSStorage(opts ...option.ClientOption) *GCSStorage {
	return &GCSStorage{opts: opts}
}

// Put streams a local file into bucket/object.
func (s *GCSStorage) Put(ctx context.Context, localPath, bucket, object string) error {
	f, err := os.Open(localPath) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return s.write(ctx, f, bucket, object, ContentType(object))
}

// PutBytes uploads data to bucket/object.
func (s *GCSStorage) PutBytes(ctx context.Context, data []byte, bucket, object, contentType string) error {
	if contentType == "" {
		contentType = ContentType(object)
	}
	return s.write(ctx, bytes.NewReader(data), bucket, object, contentType)
}

// Get downloads bucket/object.
func (s *GCSStorage) Get(ctx context.Context, bucket, object string) ([]byte, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, classifyGCSError(false, fmt.Errorf("open gs://%s/%s: %w", bucket, object, err))
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classifyGCSError(false, fmt.Errorf("read gs://%s/%s: %w", bucket, object, err))
	}
	return data, nil
}

// Close releases the underlying client, if one was created.
func (s *GCSStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *GCSStorage) write(ctx context.Context, data io.Reader, bucket, object, contentType string) error {
	client, err := s.getClient(ctx)
	if err != nil {
		return err
	}

	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return classifyGCSError(true, fmt.Errorf("write gs://%s/%s: %w", bucket, object, err))
	}
	if err := w.Close(); err != nil {
		return classifyGCSError(true, fmt.Errorf("upload gs://%s/%s: %w", bucket, object, err))
	}
	return nil
}

// getClient creates the client once. A failed creation is retried on the
// next call.
func (s *GCSStorage) getClient(ctx context.Context) (*gcs.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	client, err := gcs.NewClient(context.WithoutCancel(ctx), s.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: create GCS client: %w", ErrUnauthenticated, err)
	}
	s.client = client
	return client, nil
}

// classifyGCSError maps Cloud Storage errors onto the package sentinels.
func classifyGCSError(upload bool, err error) error {
	switch {
	case errors.Is(err, gcs.ErrBucketNotExist):
		return fmt.Errorf("%w: %w", ErrBucketNotFound, err)
	case errors.Is(err, gcs.ErrObjectNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		case http.StatusNotFound:
			if upload {
				return fmt.Errorf("%w: %w", ErrBucketNotFound, err)
			}
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
	}
	return err
}
