package upload

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/maauso/gcs-connector/internal/lock"
	"github.com/maauso/gcs-connector/internal/output"
	"github.com/maauso/gcs-connector/internal/stability"
)

// DefaultImageInterval is the image directory poll interval.
const DefaultImageInterval = 5 * time.Second

// ImageSubdir is the folder under the destination directory receiving images.
const ImageSubdir = "images"

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
}

// IsImage reports whether name has a supported image extension.
func IsImage(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	_, ok := imageExts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// errStopPass ends an image pass after a permanent upload failure.
var errStopPass = errors.New("upload: stop pass")

// ImageWorker uploads loose images from a watched directory, holding a
// per-file lock while each image is processed.
type ImageWorker struct {
	dir          string
	dest         output.Destination
	interval     time.Duration
	locks        *lock.Manager
	checker      *stability.Checker
	ship         *shipper
	drainTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	wake chan struct{}
	stat counters
}

func newImageWorker(dir string, dest output.Destination, interval time.Duration, locks *lock.Manager, checker *stability.Checker, ship *shipper, drainTimeout time.Duration, logger *slog.Logger) *ImageWorker {
	if interval <= 0 {
		interval = DefaultImageInterval
	}
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	return &ImageWorker{
		dir:          dir,
		dest:         dest,
		interval:     interval,
		locks:        locks,
		checker:      checker,
		ship:         ship,
		drainTimeout: drainTimeout,
		logger:       logger.With(slog.String("worker", "images")),
		now:          time.Now,
		wake:         make(chan struct{}, 1),
	}
}

// Name identifies the worker in logs and metrics.
func (w *ImageWorker) Name() string {
	return "images"
}

// Dir returns the watched directory.
func (w *ImageWorker) Dir() string {
	return w.dir
}

// Wake makes a sleeping worker start its next pass now.
func (w *ImageWorker) Wake() {
	wake(w.wake)
}

// ObjectKey returns the key an image named name is uploaded to at t: the
// rendered destination directory, then the images folder.
func (w *ImageWorker) ObjectKey(name string, t time.Time) string {
	return path.Join(w.dest.RenderDir(t), ImageSubdir, filepath.Base(name))
}

// Run polls until ctx is cancelled, then runs a final drain pass.
func (w *ImageWorker) Run(ctx context.Context) {
	w.logger.Info("image worker started",
		slog.String("dir", w.dir),
		slog.Duration("interval", w.interval),
	)

	for {
		w.pass(ctx)
		if !waitNext(ctx, w.interval, w.wake) {
			break
		}
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.drainTimeout)
	defer cancel()
	n := w.pass(drainCtx)
	w.logger.Info("image worker stopped", slog.Int("drained", n))
}

func (w *ImageWorker) pass(ctx context.Context) int {
	if n, err := w.locks.Sweep(w.dir); err != nil {
		w.logger.Warn("lock sweep failed", slog.String("error", err.Error()))
	} else if n > 0 {
		w.logger.Info("stale locks removed", slog.Int("count", n))
	}

	files, err := listFiles(w.dir, IsImage)
	if err != nil {
		w.logger.Warn("cannot list image directory", slog.String("error", err.Error()))
		return 0
	}

	uploaded, busy := 0, 0
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}

		acquired, err := w.locks.With(f.path, func() error {
			if !w.checker.IsStable(ctx, f.path) {
				return nil
			}
			uploadCtx, cancel := uploadContext(ctx, w.drainTimeout)
			defer cancel()
			o := w.ship.ship(uploadCtx, w.Name(), f.path, w.dest.Bucket, w.ObjectKey(f.name, w.now()))
			w.stat.record(o)
			if o.Success {
				uploaded++
				return nil
			}
			w.ship.logFailure(o)
			if o.Permanent() {
				return errStopPass
			}
			return nil
		})
		if !acquired && err == nil {
			busy++
			w.logger.Debug("image locked by another owner, skipping", slog.String("path", f.path))
			continue
		}
		if errors.Is(err, errStopPass) {
			break
		}
		if err != nil {
			w.logger.Warn("cannot lock image", slog.String("path", f.path), slog.String("error", err.Error()))
		}
	}

	w.ship.metrics.setPending(w.Name(), busy)
	return uploaded
}

// Status returns the worker's counters.
func (w *ImageWorker) Status() WorkerStatus {
	ws := WorkerStatus{
		Name:     w.Name(),
		Kind:     "image",
		Target:   output.Scheme + path.Join(w.dest.Bucket, w.dest.Dir(), ImageSubdir),
		Interval: w.interval.String(),
	}
	w.stat.fill(&ws)
	return ws
}
