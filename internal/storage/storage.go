// Package storage provides the remote object store capability used by the
// upload workers. It defines the Storage interface (port) and adapters for
// Google Cloud Storage, S3-compatible endpoints and a local directory.
package storage

import (
	"context"
	"errors"
)

// Static errors shared by all adapters. Adapters wrap the underlying error
// so callers can inspect it with errors.Is.
var (
	// ErrNotFound is returned by Get when the object does not exist.
	ErrNotFound = errors.New("storage: object not found")
	// ErrBucketNotFound is returned when the bucket does not exist.
	ErrBucketNotFound = errors.New("storage: bucket not found")
	// ErrPermissionDenied is returned when credentials lack access.
	ErrPermissionDenied = errors.New("storage: permission denied")
	// ErrUnauthenticated is returned when no usable credentials exist.
	ErrUnauthenticated = errors.New("storage: unauthenticated")
)

// Storage defines the narrow remote object store capability.
type Storage interface {
	// Put uploads the local file at localPath to bucket/object.
	Put(ctx context.Context, localPath, bucket, object string) error

	// PutBytes uploads data to bucket/object.
	PutBytes(ctx context.Context, data []byte, bucket, object, contentType string) error

	// Get downloads bucket/object. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, bucket, object string) ([]byte, error)
}

// IsPermanent reports whether err will not go away by retrying.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrBucketNotFound)
}

// ErrorKind returns a short label for err, used in logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrBucketNotFound):
		return "bucket_not_found"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transient"
	}
}

// ContentType guesses a content type from an object name.
func ContentType(object string) string {
	switch ext(object) {
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
