// Package lock provides advisory, non-blocking mutual exclusion over files
// using a sibling "<file>.lock" marker.
package lock

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Suffix is appended to a file path to form its lock marker.
const Suffix = ".lock"

// DefaultStaleAfter is the age after which Sweep removes a marker.
const DefaultStaleAfter = 10 * time.Minute

// Lock is a held marker.
type Lock struct {
	// Path is the marker path.
	Path string
	// Token identifies the owner; it is the first line of the marker.
	Token string
}

// Manager acquires and releases markers.
type Manager struct {
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithStaleAfter sets the marker age threshold used by Sweep.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleAfter = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		staleAfter: DefaultStaleAfter,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MarkerPath returns the marker path guarding target.
func MarkerPath(target string) string {
	return target + Suffix
}

// TryAcquire atomically creates the marker for target. It returns nil and no
// error when the marker already exists; callers retry on a later pass.
func (m *Manager) TryAcquire(target string) (*Lock, error) {
	marker := MarkerPath(target)
	f, err := os.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) // #nosec G304 - marker sits next to a watched file
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock: create marker %s: %w", marker, err)
	}

	l := &Lock{Path: marker, Token: uuid.NewString()}
	_, werr := fmt.Fprintf(f, "%s\n%d\n%s\n", l.Token, os.Getpid(), m.now().UTC().Format(time.RFC3339))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(marker)
		return nil, fmt.Errorf("lock: write marker %s: %w", marker, errors.Join(werr, cerr))
	}
	return l, nil
}

// Release removes the marker if it still belongs to l. A missing marker is
// not an error.
func (m *Manager) Release(l *Lock) {
	if l == nil {
		return
	}

	owner, err := readToken(l.Path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("failed to read lock marker",
				slog.String("path", l.Path),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if owner != l.Token {
		m.logger.Warn("lock marker taken over by another owner, leaving it",
			slog.String("path", l.Path),
		)
		return
	}

	if err := os.Remove(l.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("failed to remove lock marker",
			slog.String("path", l.Path),
			slog.String("error", err.Error()),
		)
	}
}

// With runs fn while holding the lock on target. acquired is false when the
// lock was busy and fn did not run. The lock is released on every exit path.
func (m *Manager) With(target string, fn func() error) (acquired bool, err error) {
	l, err := m.TryAcquire(target)
	if err != nil || l == nil {
		return false, err
	}
	defer m.Release(l)
	return true, fn()
}

// Sweep removes markers in dir older than the stale threshold and returns
// how many were removed.
func (m *Manager) Sweep(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("lock: read dir %s: %w", dir, err)
	}

	cutoff := m.now().Add(-m.staleAfter)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Suffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		p := filepath.Join(dir, e.Name())
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("failed to remove stale lock",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.logger.Info("removed stale lock",
			slog.String("path", p),
			slog.Duration("age", m.now().Sub(info.ModTime())),
		)
		removed++
	}
	return removed, nil
}

func readToken(marker string) (string, error) {
	f, err := os.Open(marker) // #nosec G304 - marker path built by MarkerPath
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	s := bufio.NewScanner(f)
	if s.Scan() {
		return strings.TrimSpace(s.Text()), nil
	}
	return "", s.Err()
}
