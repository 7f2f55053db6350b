package upload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maauso/gcs-connector/internal/output"
	"github.com/maauso/gcs-connector/internal/stability"
)

// DefaultDrainTimeout bounds the final pass run after a worker is stopped.
const DefaultDrainTimeout = 2 * time.Minute

// PendingSegment is a segment file seen on disk but not yet uploaded.
type PendingSegment struct {
	LocalPath         string
	FirstObservedSize int64
	FirstObservedAt   time.Time
	StableSince       time.Time
}

// SegmentWorker drains the segment files of one destination from the
// working directory.
type SegmentWorker struct {
	dest         output.Destination
	dir          string
	checker      *stability.Checker
	ship         *shipper
	drainTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	wake chan struct{}
	stat counters

	mu      sync.Mutex
	pending map[string]*PendingSegment
}

func newSegmentWorker(dest output.Destination, dir string, checker *stability.Checker, ship *shipper, drainTimeout time.Duration, logger *slog.Logger) *SegmentWorker {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	return &SegmentWorker{
		dest:         dest,
		dir:          dir,
		checker:      checker,
		ship:         ship,
		drainTimeout: drainTimeout,
		logger:       logger.With(slog.String("worker", dest.String())),
		now:          time.Now,
		wake:         make(chan struct{}, 1),
		pending:      make(map[string]*PendingSegment),
	}
}

// Name identifies the worker in logs and metrics.
func (w *SegmentWorker) Name() string {
	return w.dest.String()
}

// Destination returns the destination this worker drains.
func (w *SegmentWorker) Destination() output.Destination {
	return w.dest
}

// Wake makes a sleeping worker start its next pass now.
func (w *SegmentWorker) Wake() {
	wake(w.wake)
}

// Run polls until ctx is cancelled, then runs a final drain pass on a
// context detached from ctx and bounded by the drain timeout.
func (w *SegmentWorker) Run(ctx context.Context) {
	w.logger.Info("segment worker started",
		slog.String("dir", w.dir),
		slog.Duration("interval", w.dest.PollInterval),
	)

	for {
		w.pass(ctx)
		if !waitNext(ctx, w.dest.PollInterval, w.wake) {
			break
		}
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.drainTimeout)
	defer cancel()
	n := w.pass(drainCtx)
	w.logger.Info("segment worker stopped", slog.Int("drained", n))
}

// pass uploads every stable segment once and returns how many were uploaded.
// Cancellation of ctx is observed between files only.
func (w *SegmentWorker) pass(ctx context.Context) int {
	files, err := listFiles(w.dir, w.dest.Matches)
	if err != nil {
		w.logger.Warn("cannot list working directory", slog.String("error", err.Error()))
		return 0
	}
	w.forget(files)

	uploaded := 0
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}

		seg := w.observe(f)
		if !w.checker.IsStable(ctx, f.path) {
			if size, ok := stability.Sample(f.path); ok {
				w.retrack(f.path, size)
			}
			continue
		}
		w.markStable(f.path)

		object := w.dest.ObjectKey(f.name, seg.FirstObservedAt)
		uploadCtx, cancel := uploadContext(ctx, w.drainTimeout)
		o := w.ship.ship(uploadCtx, w.Name(), f.path, w.dest.Bucket, object)
		cancel()
		w.stat.record(o)
		if o.Success {
			w.drop(f.path)
			uploaded++
			continue
		}

		w.ship.logFailure(o)
		if o.Permanent() {
			break
		}
	}

	w.ship.metrics.setPending(w.Name(), w.pendingCount())
	return uploaded
}

// observe returns the pending entry for f, creating it on first sight. The
// segment start is the earlier of the first observation and the file's
// modification time.
func (w *SegmentWorker) observe(f candidate) PendingSegment {
	w.mu.Lock()
	defer w.mu.Unlock()

	seg, ok := w.pending[f.path]
	if !ok {
		at := w.now()
		if f.modTime.Before(at) {
			at = f.modTime
		}
		seg = &PendingSegment{
			LocalPath:         f.path,
			FirstObservedSize: f.size,
			FirstObservedAt:   at,
		}
		w.pending[f.path] = seg
	}
	return *seg
}

func (w *SegmentWorker) retrack(path string, size int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seg, ok := w.pending[path]; ok {
		seg.FirstObservedSize = size
		seg.StableSince = time.Time{}
	}
}

func (w *SegmentWorker) markStable(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seg, ok := w.pending[path]; ok && seg.StableSince.IsZero() {
		seg.StableSince = w.now()
	}
}

func (w *SegmentWorker) drop(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()
}

// forget drops entries for files that disappeared from disk.
func (w *SegmentWorker) forget(present []candidate) {
	seen := make(map[string]struct{}, len(present))
	for _, f := range present {
		seen[f.path] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for p := range w.pending {
		if _, ok := seen[p]; !ok {
			delete(w.pending, p)
		}
	}
}

func (w *SegmentWorker) pendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Pending returns a copy of the tracked segments.
func (w *SegmentWorker) Pending() []PendingSegment {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]PendingSegment, 0, len(w.pending))
	for _, seg := range w.pending {
		out = append(out, *seg)
	}
	return out
}

// Status returns the worker's counters.
func (w *SegmentWorker) Status() WorkerStatus {
	ws := WorkerStatus{
		Name:     w.Name(),
		Kind:     "segment",
		Target:   w.dest.String(),
		Interval: w.dest.PollInterval.String(),
		Pending:  w.pendingCount(),
	}
	w.stat.fill(&ws)
	return ws
}
