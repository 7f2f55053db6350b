package upload

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/maauso/gcs-connector/internal/manifest"
	"github.com/maauso/gcs-connector/internal/storage"
)

// Outcome describes the result of shipping one file.
type Outcome struct {
	Path      string
	Worker    string
	Bucket    string
	Object    string
	Success   bool
	ErrorKind string
	Attempts  int
	Duration  time.Duration
	Err       error
}

// Permanent reports whether the failure will not go away by retrying.
func (o Outcome) Permanent() bool {
	return !o.Success && storage.IsPermanent(o.Err)
}

// WorkerStatus is a point-in-time view of one worker.
type WorkerStatus struct {
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	Target     string    `json:"target"`
	Interval   string    `json:"interval"`
	Uploaded   int64     `json:"uploaded"`
	Failed     int64     `json:"failed"`
	Pending    int       `json:"pending"`
	LastError  string    `json:"last_error,omitempty"`
	LastUpload time.Time `json:"last_upload,omitzero"`
}

// shipper uploads a file with retries, then deletes it and records the key.
type shipper struct {
	store   storage.Storage
	retry   RetryPolicy
	entries *manifest.Entries
	metrics *Metrics
	logger  *slog.Logger
}

func (s *shipper) ship(ctx context.Context, worker, localPath, bucket, object string) Outcome {
	size, _ := fileSize(localPath)
	start := time.Now()

	attempts, err := s.retry.Do(ctx, func(ctx context.Context) error {
		return s.store.Put(ctx, localPath, bucket, object)
	})

	o := Outcome{
		Path:     localPath,
		Worker:   worker,
		Bucket:   bucket,
		Object:   object,
		Success:  err == nil,
		Attempts: attempts,
		Duration: time.Since(start),
		Err:      err,
	}
	if err != nil {
		o.ErrorKind = storage.ErrorKind(err)
		s.metrics.observeUpload(o, size)
		return o
	}

	if err := os.Remove(localPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("uploaded file could not be deleted",
			slog.String("worker", worker),
			slog.String("path", localPath),
			slog.String("error", err.Error()),
		)
	}
	s.entries.Append(object)
	s.metrics.observeUpload(o, size)

	s.logger.Info("file uploaded",
		slog.String("worker", worker),
		slog.String("path", localPath),
		slog.String("object", "gs://"+bucket+"/"+object),
		slog.Int("attempts", attempts),
		slog.Duration("duration", o.Duration),
	)
	return o
}

// uploadContext detaches an upload from ctx's cancellation so that stopping a
// worker never aborts a transfer already under way. The upload stays bounded
// by limit.
func uploadContext(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), limit)
}

func (s *shipper) logFailure(o Outcome) {
	attrs := []any{
		slog.String("worker", o.Worker),
		slog.String("path", o.Path),
		slog.String("object", "gs://"+o.Bucket+"/"+o.Object),
		slog.String("kind", o.ErrorKind),
		slog.Int("attempts", o.Attempts),
		slog.String("error", o.Err.Error()),
	}
	if o.Permanent() {
		s.logger.Error("upload failed permanently, skipping rest of pass", attrs...)
		return
	}
	s.logger.Warn("upload failed, file kept for next pass", attrs...)
}

// counters is the mutable part of WorkerStatus.
type counters struct {
	mu         sync.Mutex
	uploaded   int64
	failed     int64
	lastError  string
	lastUpload time.Time
}

func (c *counters) record(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o.Success {
		c.uploaded++
		c.lastUpload = time.Now()
		return
	}
	c.failed++
	c.lastError = o.Err.Error()
}

func (c *counters) fill(ws *WorkerStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws.Uploaded = c.uploaded
	ws.Failed = c.failed
	ws.LastError = c.lastError
	ws.LastUpload = c.lastUpload
}

type candidate struct {
	path    string
	name    string
	size    int64
	modTime time.Time
}

// listFiles returns regular files in dir accepted by match, oldest first.
func listFiles(dir string, match func(name string) bool) ([]candidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []candidate
	for _, e := range entries {
		if !e.Type().IsRegular() || !match(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, candidate{
			path:    filepath.Join(dir, e.Name()),
			name:    e.Name(),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].modTime.Equal(out[j].modTime) {
			return out[i].modTime.Before(out[j].modTime)
		}
		return out[i].name < out[j].name
	})
	return out, nil
}

func fileSize(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

// wake performs a non-blocking send on a 1-buffered channel.
func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// waitNext blocks for d, an early wake-up or ctx cancellation. It reports
// false when ctx is done.
func waitNext(ctx context.Context, d time.Duration, wakeCh <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wakeCh:
		return true
	}
}
