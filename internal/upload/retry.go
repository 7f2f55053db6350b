package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maauso/gcs-connector/internal/storage"
)

// Retry defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultBaseBackoff    = time.Second
	DefaultAttemptTimeout = 60 * time.Second
)

// ErrAttemptsExhausted is returned when every attempt failed with a transient error.
var ErrAttemptsExhausted = errors.New("upload: max attempts exceeded")

// RetryPolicy bounds how often and how long a single upload is tried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseBackoff is the wait before the second attempt; it doubles after each failure.
	BaseBackoff time.Duration
	// AttemptTimeout bounds each attempt.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 1s base backoff and a 60s attempt timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseBackoff:    DefaultBaseBackoff,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseBackoff < 0 {
		p.BaseBackoff = 0
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
	return p
}

// Do runs fn until it succeeds, fails permanently or runs out of attempts.
// It returns the number of attempts made. Permanent storage errors are
// returned unwrapped so callers can classify them.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	p = p.normalized()

	var lastErr error
	backoff := p.BaseBackoff

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return attempt - 1, fmt.Errorf("upload: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if storage.IsPermanent(err) {
			return attempt, err
		}
		lastErr = err
	}

	return p.MaxAttempts, fmt.Errorf("%w: %w", ErrAttemptsExhausted, lastErr)
}
