// Package output parses destination descriptors of the form
//
//	gs://<bucket>/<path-with-optional-strftime-wildcards>[!segtime=<float-minutes>]
//
// into immutable Destination values and derives from them the local naming
// convention of the segments each destination drains.
package output

import (
	"errors"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
)

// Scheme is the only accepted descriptor scheme.
const Scheme = "gs://"

// DefaultSegmentMinutes is used when a descriptor carries no segtime option.
const DefaultSegmentMinutes = 1.0

// MaxPollInterval caps the poll interval derived from the segment duration.
const MaxPollInterval = 10 * time.Second

// Static errors for descriptor parsing. All of them wrap ErrConfig.
var (
	// ErrConfig is the parent of every configuration error in this package.
	ErrConfig = errors.New("output: invalid configuration")
	// ErrInvalidScheme is returned when a descriptor does not start with gs://.
	ErrInvalidScheme = fmt.Errorf("%w: can only specify gs:// outputs", ErrConfig)
	// ErrMalformedPath is returned when the bucket or the file path is missing.
	ErrMalformedPath = fmt.Errorf("%w: output must have both bucket and a path/file name", ErrConfig)
	// ErrInvalidSegtime is returned when the segtime option is not a positive number.
	ErrInvalidSegtime = fmt.Errorf("%w: invalid segtime", ErrConfig)
	// ErrDuplicatePrefix is returned when two destinations share a prefix.
	ErrDuplicatePrefix = fmt.Errorf("%w: duplicate output prefix", ErrConfig)
	// ErrNoOutputs is returned when no destination is configured.
	ErrNoOutputs = fmt.Errorf("%w: must specify at least one output", ErrConfig)
)

// Destination is one remote bucket+path target.
type Destination struct {
	// Raw is the descriptor as configured.
	Raw string
	// Bucket is the remote bucket name.
	Bucket string
	// PathTemplate is the object path, possibly containing strftime wildcards.
	PathTemplate string
	// SegmentMinutes is the segment duration in minutes.
	SegmentMinutes float64
	// PollInterval is how often the destination's worker scans for segments.
	PollInterval time.Duration
}

// Parse parses a single destination descriptor.
func Parse(raw string) (Destination, error) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, Scheme) {
		return Destination{}, fmt.Errorf("%w: %q", ErrInvalidScheme, raw)
	}

	body, opts, _ := strings.Cut(strings.TrimPrefix(s, Scheme), "!")

	bucket, objPath, ok := strings.Cut(body, "/")
	if !ok || bucket == "" || objPath == "" || strings.HasSuffix(objPath, "/") {
		return Destination{}, fmt.Errorf("%w: %q", ErrMalformedPath, raw)
	}
	if _, err := strftime.New(objPath); err != nil {
		return Destination{}, fmt.Errorf("%w: %q: %v", ErrMalformedPath, raw, err)
	}

	minutes := DefaultSegmentMinutes
	if opts != "" {
		for _, opt := range strings.Split(opts, "!") {
			key, value, _ := strings.Cut(opt, "=")
			if key != "segtime" {
				continue
			}
			v, err := strconv.ParseFloat(value, 64)
			if err != nil || v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return Destination{}, fmt.Errorf("%w: %q in %q", ErrInvalidSegtime, value, raw)
			}
			minutes = v
		}
	}

	return Destination{
		Raw:            raw,
		Bucket:         bucket,
		PathTemplate:   objPath,
		SegmentMinutes: minutes,
		PollInterval:   PollIntervalFor(minutes),
	}, nil
}

// ParseAll parses every descriptor and checks the set for prefix collisions.
// Two destinations collide when they share a key prefix, or when one local
// naming convention claims files of the other.
func ParseAll(raws []string) ([]Destination, error) {
	if len(raws) == 0 {
		return nil, ErrNoOutputs
	}

	dests := make([]Destination, 0, len(raws))
	seenKey := make(map[string]string, len(raws))
	for _, raw := range raws {
		d, err := Parse(raw)
		if err != nil {
			return nil, err
		}

		key := d.KeyPrefix()
		if prev, dup := seenKey[key]; dup {
			return nil, fmt.Errorf("%w: %q (%q and %q)", ErrDuplicatePrefix, key, prev, raw)
		}
		seenKey[key] = raw

		if len(raws) > 1 && d.Prefix() == "" {
			return nil, fmt.Errorf("%w: %q has no literal file name prefix", ErrDuplicatePrefix, raw)
		}
		for _, prev := range dests {
			if prev.overlaps(d) {
				return nil, fmt.Errorf("%w: local segment names %q and %q overlap (%q and %q)",
					ErrDuplicatePrefix, prev.Prefix()+"*"+prev.Ext(), d.Prefix()+"*"+d.Ext(), prev.Raw, raw)
			}
		}

		dests = append(dests, d)
	}
	return dests, nil
}

// overlaps reports whether some local file name would match both d and o.
func (d Destination) overlaps(o Destination) bool {
	if !strings.EqualFold(d.Ext(), o.Ext()) {
		return false
	}
	a, b := d.Prefix(), o.Prefix()
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

// PollIntervalFor derives the poll interval from a segment duration in minutes.
func PollIntervalFor(minutes float64) time.Duration {
	d := time.Duration(minutes * float64(time.Minute))
	if d > MaxPollInterval {
		return MaxPollInterval
	}
	if d <= 0 {
		return time.Second
	}
	return d
}

// Dir returns the directory part of the path template, or "" when the
// template is a bare file name.
func (d Destination) Dir() string {
	dir := path.Dir(d.PathTemplate)
	if dir == "." {
		return ""
	}
	return dir
}

// Ext returns the file extension of the path template, including the dot.
func (d Destination) Ext() string {
	return path.Ext(d.PathTemplate)
}

// Prefix returns the literal start of the template file name, up to the
// first strftime wildcard or the extension. Local segments for this
// destination are named with this prefix.
func (d Destination) Prefix() string {
	base := strings.TrimSuffix(path.Base(d.PathTemplate), d.Ext())
	if i := strings.IndexByte(base, '%'); i >= 0 {
		base = base[:i]
	}
	return base
}

// KeyPrefix returns bucket, directory and file prefix joined with slashes.
func (d Destination) KeyPrefix() string {
	return path.Join(d.Bucket, d.Dir(), d.Prefix())
}

// Matches reports whether a local file name follows this destination's
// naming convention.
func (d Destination) Matches(name string) bool {
	if strings.HasSuffix(name, ".lock") || strings.HasPrefix(name, ".") {
		return false
	}
	if !strings.EqualFold(path.Ext(name), d.Ext()) {
		return false
	}
	return strings.HasPrefix(name, d.Prefix())
}

// RenderDir renders the strftime wildcards of the template directory at t.
func (d Destination) RenderDir(t time.Time) string {
	dir := d.Dir()
	if dir == "" || !strings.Contains(dir, "%") {
		return dir
	}
	rendered, err := strftime.Format(dir, t)
	if err != nil {
		return dir
	}
	return rendered
}

// ObjectKey returns the object key a local file is uploaded to when its
// segment started at t.
func (d Destination) ObjectKey(localName string, t time.Time) string {
	return path.Join(d.RenderDir(t), path.Base(localName))
}

// String returns the descriptor without options.
func (d Destination) String() string {
	return Scheme + d.Bucket + "/" + d.PathTemplate
}
