// Package manifest assembles the JSON document listing every object uploaded
// during a run. A template is loaded from an inline JSON object, local disk
// (file://), remote storage (gs://) or a locally cached remote copy
// (cache://), and the entry list is injected at a dot-separated field path.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/maauso/gcs-connector/internal/storage"
)

// Template source prefixes.
const (
	PrefixFile   = "file://"
	PrefixGS     = "gs://"
	PrefixCached = "cache://"
)

// DefaultField is the injection point when none is configured.
const DefaultField = "files"

// DefaultName is the object name of the written manifest.
const DefaultName = "manifest.json"

// Source identifies where a template came from.
type Source string

// Template sources.
const (
	SourceDefault Source = "default"
	SourceInline  Source = "inline"
	SourceLocal   Source = "local"
	SourceRemote  Source = "remote"
	SourceCached  Source = "cached"
)

// Static errors for template loading.
var (
	// ErrUnknownSource is returned for a template reference with no known prefix.
	ErrUnknownSource = errors.New("manifest: unknown template source")
	// ErrInvalidTemplate is returned when a template is not a JSON object.
	ErrInvalidTemplate = errors.New("manifest: template is not a JSON object")
	// ErrNoLocation is returned by Write when no target bucket is set.
	ErrNoLocation = errors.New("manifest: no target location")
)

// Location is where the finished manifest is uploaded.
type Location struct {
	Bucket string
	Object string
}

// Builder loads templates and composes manifests.
type Builder struct {
	store    storage.Storage
	template string
	field    string
	cacheDir string
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	fetched map[string]bool
}

// Option configures a Builder.
type Option func(*Builder)

// WithTemplate sets the template reference.
func WithTemplate(ref string) Option {
	return func(b *Builder) { b.template = strings.TrimSpace(ref) }
}

// WithField sets the dot-separated injection path.
func WithField(field string) Option {
	return func(b *Builder) {
		if field != "" {
			b.field = field
		}
	}
}

// WithCacheDir sets the directory used for cache:// templates.
func WithCacheDir(dir string) Option {
	return func(b *Builder) { b.cacheDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the time source used for upload_time.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a Builder reading remote templates through store.
func NewBuilder(store storage.Storage, opts ...Option) *Builder {
	b := &Builder{
		store:    store,
		field:    DefaultField,
		cacheDir: filepath.Join(os.TempDir(), "gcs-connector-manifest"),
		logger:   slog.Default(),
		now:      time.Now,
		fetched:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Field returns the injection path.
func (b *Builder) Field() string {
	return b.field
}

// Build loads the template and injects entries at the configured field.
// Template failures are logged and replaced by the default document.
func (b *Builder) Build(ctx context.Context, entries []string) map[string]any {
	doc, src, err := b.Load(ctx)
	if err != nil {
		b.logger.Warn("manifest template unusable, using default document",
			slog.String("template", b.template),
			slog.String("error", err.Error()),
		)
	}
	if doc == nil {
		doc, src = b.defaultDocument(len(entries)), SourceDefault
	}

	b.logger.Debug("building manifest",
		slog.String("source", string(src)),
		slog.Int("entries", len(entries)),
	)
	return Inject(doc, b.field, entries)
}

// Write builds the manifest and uploads it to loc.
func (b *Builder) Write(ctx context.Context, loc Location, entries []string) error {
	if loc.Bucket == "" || loc.Object == "" {
		return ErrNoLocation
	}

	data, err := json.MarshalIndent(b.Build(ctx, entries), "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	if err := b.store.PutBytes(ctx, data, loc.Bucket, loc.Object, "application/json"); err != nil {
		return fmt.Errorf("manifest: upload gs://%s/%s: %w", loc.Bucket, loc.Object, err)
	}

	b.logger.Info("manifest written",
		slog.String("bucket", loc.Bucket),
		slog.String("object", loc.Object),
		slog.Int("entries", len(entries)),
	)
	return nil
}

// Load resolves the configured template. It returns a nil document and
// SourceDefault when no template is configured.
func (b *Builder) Load(ctx context.Context) (map[string]any, Source, error) {
	ref := b.template
	switch {
	case ref == "":
		return nil, SourceDefault, nil
	case strings.HasPrefix(ref, "{"):
		doc, err := parse([]byte(ref))
		return doc, SourceInline, err
	case strings.HasPrefix(ref, PrefixFile):
		data, err := os.ReadFile(strings.TrimPrefix(ref, PrefixFile))
		if err != nil {
			return nil, SourceLocal, fmt.Errorf("manifest: read template: %w", err)
		}
		doc, err := parse(data)
		return doc, SourceLocal, err
	case strings.HasPrefix(ref, PrefixGS):
		data, err := b.fetch(ctx, strings.TrimPrefix(ref, PrefixGS))
		if err != nil {
			return nil, SourceRemote, err
		}
		doc, err := parse(data)
		return doc, SourceRemote, err
	case strings.HasPrefix(ref, PrefixCached):
		data, err := b.cached(ctx, strings.TrimPrefix(ref, PrefixCached))
		if err != nil {
			return nil, SourceCached, err
		}
		doc, err := parse(data)
		return doc, SourceCached, err
	default:
		return nil, SourceDefault, fmt.Errorf("%w: %q", ErrUnknownSource, ref)
	}
}

func (b *Builder) fetch(ctx context.Context, bucketPath string) ([]byte, error) {
	bucket, object, ok := strings.Cut(bucketPath, "/")
	if !ok || bucket == "" || object == "" {
		return nil, fmt.Errorf("%w: malformed remote template %q", ErrUnknownSource, bucketPath)
	}
	data, err := b.store.Get(ctx, bucket, object)
	if err != nil {
		return nil, fmt.Errorf("manifest: fetch template gs://%s: %w", bucketPath, err)
	}
	return data, nil
}

// cached fetches the remote template once per run and serves later calls
// from the local copy. A copy left by an earlier run is used only when the
// first fetch of this run fails.
func (b *Builder) cached(ctx context.Context, bucketPath string) ([]byte, error) {
	local := filepath.Join(b.cacheDir, filepath.FromSlash(bucketPath))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fetched[bucketPath] {
		if data, err := os.ReadFile(local); err == nil { // #nosec G304 - under cacheDir
			return data, nil
		}
	}

	data, err := b.fetch(ctx, bucketPath)
	if err != nil {
		stale, rerr := os.ReadFile(local) // #nosec G304 - under cacheDir
		if rerr != nil {
			return nil, err
		}
		b.logger.Warn("template fetch failed, using previously cached copy",
			slog.String("template", bucketPath),
			slog.String("error", err.Error()),
		)
		return stale, nil
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o750); err != nil {
		b.logger.Warn("cannot create template cache dir", slog.String("error", err.Error()))
		return data, nil
	}
	if err := os.WriteFile(local, data, 0o600); err != nil {
		b.logger.Warn("cannot cache template", slog.String("error", err.Error()))
		return data, nil
	}
	b.fetched[bucketPath] = true
	return data, nil
}

func (b *Builder) defaultDocument(total int) map[string]any {
	return map[string]any{
		"metadata": map[string]any{
			"upload_time": b.now().UTC().Format(time.RFC3339),
			"total_files": total,
		},
	}
}

func parse(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}
	if doc == nil {
		return nil, ErrInvalidTemplate
	}
	return doc, nil
}

// Inject sets doc[a][b][c] = entries for field "a.b.c", creating missing
// levels and replacing non-object intermediates. Sibling keys are kept.
// doc is modified in place and returned; a nil doc starts a new one.
func Inject(doc map[string]any, field string, entries []string) map[string]any {
	if doc == nil {
		doc = make(map[string]any)
	}

	var parts []string
	for _, p := range strings.Split(field, ".") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		parts = []string{DefaultField}
	}

	cur := doc
	for _, key := range parts[:len(parts)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[key] = next
		}
		cur = next
	}

	list := make([]string, len(entries))
	copy(list, entries)
	cur[parts[len(parts)-1]] = list
	return doc
}
