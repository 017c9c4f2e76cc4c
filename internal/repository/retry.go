package repository

import (
	"context"
	"time"

	"github.com/facilityops/vigil/internal/domain"
)

// WithRetry runs fn with bounded exponential backoff. Only errors the
// domain marks retryable are retried; everything else returns immediately.
func WithRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := baseDelay
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !domain.IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
