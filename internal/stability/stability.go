// Package stability decides whether a file on disk has finished being written.
package stability

import (
	"context"
	"os"
	"time"
)

// DefaultDelay is the gap between the two size samples.
const DefaultDelay = time.Second

// Checker samples a file's size twice, Delay apart. A file is stable when it
// exists at both samples, is not empty and did not change size.
type Checker struct {
	Delay time.Duration
}

// NewChecker creates a Checker. A non-positive delay selects DefaultDelay.
func NewChecker(delay time.Duration) *Checker {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Checker{Delay: delay}
}

// Sample returns the current size of path and whether it exists as a
// regular file.
func Sample(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

// IsStable reports whether path has stopped growing. A file that vanishes
// between samples, or a cancelled ctx, yields false.
func (c *Checker) IsStable(ctx context.Context, path string) bool {
	first, ok := Sample(path)
	if !ok || first == 0 {
		return false
	}

	timer := time.NewTimer(c.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	second, ok := Sample(path)
	return ok && second == first
}
