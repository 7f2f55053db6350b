// Package upload runs the background workers that move finished segment and
// image files to object storage and keeps the run's manifest.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maauso/gcs-connector/internal/lock"
	"github.com/maauso/gcs-connector/internal/manifest"
	"github.com/maauso/gcs-connector/internal/output"
	"github.com/maauso/gcs-connector/internal/stability"
	"github.com/maauso/gcs-connector/internal/storage"
)

// Static errors for orchestrator lifecycle.
var (
	// ErrNoDestinations is returned when the configuration names no destination.
	ErrNoDestinations = errors.New("upload: no destinations configured")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("upload: already started")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("upload: orchestrator stopped")
)

// Connector is what an embedding pipeline needs: announce new local files,
// force a manifest write and shut down.
type Connector interface {
	Notify(path string) bool
	Flush(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Compile-time check that Orchestrator implements Connector.
var _ Connector = (*Orchestrator)(nil)

// Config is the orchestrator configuration.
type Config struct {
	Destinations []output.Destination
	WorkDir      string
	ImageDir     string

	ImageInterval  time.Duration
	StabilityDelay time.Duration
	LockStaleAfter time.Duration
	Retry          RetryPolicy
	DrainTimeout   time.Duration

	ManifestTemplate string
	ManifestField    string
	ManifestName     string
	ManifestInterval time.Duration
	TemplateCacheDir string
}

// Status is a snapshot of the orchestrator for the status endpoint.
type Status struct {
	RunID     string         `json:"run_id"`
	Running   bool           `json:"running"`
	StartedAt time.Time      `json:"started_at,omitzero"`
	Entries   int            `json:"entries"`
	Manifest  string         `json:"manifest"`
	Workers   []WorkerStatus `json:"workers"`
}

// Orchestrator owns the workers, the shared entry list and the manifest.
type Orchestrator struct {
	cfg      Config
	entries  *manifest.Entries
	builder  *manifest.Builder
	ship     *shipper
	segments []*SegmentWorker
	images   *ImageWorker
	logger   *slog.Logger
	metrics  *Metrics
	runID    string
	now      func() time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	stopped   bool
	startedAt time.Time

	stopOnce sync.Once
	stopErr  error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source for object keys and the manifest.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator builds one SegmentWorker per destination and, when an
// image directory is configured, an ImageWorker uploading next to the first
// destination.
func NewOrchestrator(cfg Config, store storage.Storage, opts ...Option) (*Orchestrator, error) {
	if len(cfg.Destinations) == 0 {
		return nil, ErrNoDestinations
	}
	if cfg.ManifestName == "" {
		cfg.ManifestName = manifest.DefaultName
	}
	if cfg.TemplateCacheDir == "" {
		cfg.TemplateCacheDir = filepath.Join(cfg.WorkDir, ".manifest-cache")
	}

	o := &Orchestrator{
		cfg:     cfg,
		entries: manifest.NewEntries(),
		logger:  slog.Default(),
		runID:   uuid.NewString(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(slog.String("run_id", o.runID))

	o.builder = manifest.NewBuilder(store,
		manifest.WithTemplate(cfg.ManifestTemplate),
		manifest.WithField(cfg.ManifestField),
		manifest.WithCacheDir(cfg.TemplateCacheDir),
		manifest.WithLogger(o.logger),
		manifest.WithClock(o.now),
	)
	o.ship = &shipper{
		store:   store,
		retry:   cfg.Retry,
		entries: o.entries,
		metrics: o.metrics,
		logger:  o.logger,
	}

	checker := stability.NewChecker(cfg.StabilityDelay)
	for _, d := range cfg.Destinations {
		w := newSegmentWorker(d, cfg.WorkDir, checker, o.ship, cfg.DrainTimeout, o.logger)
		w.now = o.now
		o.segments = append(o.segments, w)
	}

	if cfg.ImageDir != "" {
		locks := lock.NewManager(
			lock.WithStaleAfter(cfg.LockStaleAfter),
			lock.WithLogger(o.logger),
		)
		o.images = newImageWorker(cfg.ImageDir, cfg.Destinations[0], cfg.ImageInterval,
			locks, checker, o.ship, cfg.DrainTimeout, o.logger)
		o.images.now = o.now
	}

	return o, nil
}

// RunID returns the unique id of this run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Entries returns a snapshot of the uploaded object keys.
func (o *Orchestrator) Entries() []string {
	return o.entries.Snapshot()
}

// Start launches every worker in its own goroutine, plus the periodic
// manifest writer when an interval is configured.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return ErrStopped
	}
	if o.started {
		return ErrAlreadyStarted
	}

	if err := os.MkdirAll(o.cfg.WorkDir, 0o750); err != nil {
		return fmt.Errorf("upload: create work dir: %w", err)
	}
	if o.images != nil {
		if err := os.MkdirAll(o.images.Dir(), 0o750); err != nil {
			return fmt.Errorf("upload: create image dir: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.started = true
	o.startedAt = o.now()

	for _, w := range o.segments {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			w.Run(ctx)
		}()
	}
	if o.images != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.images.Run(ctx)
		}()
	}
	if o.cfg.ManifestInterval > 0 {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.manifestLoop(ctx)
		}()
	}

	o.logger.Info("upload orchestrator started",
		slog.Int("destinations", len(o.segments)),
		slog.Bool("images", o.images != nil),
		slog.Duration("manifest_interval", o.cfg.ManifestInterval),
	)
	return nil
}

func (o *Orchestrator) manifestLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ManifestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Flush(ctx); err != nil {
				o.logger.Warn("periodic manifest write failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Notify announces a new local file. It wakes the workers whose naming
// convention or directory matches and reports whether any did.
func (o *Orchestrator) Notify(p string) bool {
	name := filepath.Base(p)
	dir := filepath.Dir(p)

	matched := false
	if sameDir(dir, o.cfg.WorkDir) {
		for _, w := range o.segments {
			if w.Destination().Matches(name) {
				w.Wake()
				matched = true
			}
		}
	}
	if o.images != nil && IsImage(name) && sameDir(dir, o.images.Dir()) {
		o.images.Wake()
		matched = true
	}
	return matched
}

func sameDir(a, b string) bool {
	ca, err1 := filepath.Abs(a)
	cb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return ca == cb
}

// ManifestLocation returns where the manifest is written at t: the first
// destination's bucket and rendered directory.
func (o *Orchestrator) ManifestLocation(t time.Time) manifest.Location {
	d := o.cfg.Destinations[0]
	return manifest.Location{
		Bucket: d.Bucket,
		Object: path.Join(d.RenderDir(t), o.cfg.ManifestName),
	}
}

// Flush writes the manifest now.
func (o *Orchestrator) Flush(ctx context.Context) error {
	loc := o.ManifestLocation(o.now())
	entries := o.entries.Snapshot()

	_, err := o.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return o.builder.Write(ctx, loc, entries)
	})
	o.metrics.observeManifest(err)
	if err != nil {
		return fmt.Errorf("upload: write manifest: %w", err)
	}
	return nil
}

// Stop cancels the workers, waits for their final drain and writes the
// manifest once. Later and concurrent calls wait for and return the first
// result.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		o.stopErr = o.stop(ctx)
	})
	return o.stopErr
}

func (o *Orchestrator) stop(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = true
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("upload: workers still draining: %w", ctx.Err())
		o.logger.Warn("stop deadline reached before workers drained")
	}

	flushErr := o.Flush(context.WithoutCancel(ctx))
	if flushErr != nil {
		o.logger.Error("final manifest write failed", slog.String("error", flushErr.Error()))
	} else {
		o.logger.Info("upload orchestrator stopped", slog.Int("entries", o.entries.Len()))
	}
	return errors.Join(waitErr, flushErr)
}

// Status returns a snapshot of the orchestrator and its workers.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	running := o.started && !o.stopped
	startedAt := o.startedAt
	o.mu.Unlock()

	loc := o.ManifestLocation(o.now())
	st := Status{
		RunID:     o.runID,
		Running:   running,
		StartedAt: startedAt,
		Entries:   o.entries.Len(),
		Manifest:  output.Scheme + loc.Bucket + "/" + loc.Object,
	}
	for _, w := range o.segments {
		st.Workers = append(st.Workers, w.Status())
	}
	if o.images != nil {
		st.Workers = append(st.Workers, o.images.Status())
	}
	return st
}
