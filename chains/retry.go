package chains

import (
	"context"
	"time"
)

const maxReadAttempts = 3

// WithRetry runs fn up to maxReadAttempts times with capped exponential
// backoff. Only read-only chain calls go through here; broadcasts must not.
func WithRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxReadAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxReadAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDuration(attempt)):
		}
	}
	return err
}

func backoffDuration(attempt int) time.Duration {
	base := 250 * time.Millisecond
	if attempt <= 0 {
		attempt = 1
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}
