package engine

import (
	"context"
	"time"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

const (
	// defaultStoreAttempts bounds run/step persistence retries on transient
	// storage errors.
	defaultStoreAttempts = 3
	defaultStoreDelay    = 100 * time.Millisecond
)

// withStoreRetry runs a storage operation with a bounded linear backoff.
// Permanent errors surface immediately; transient ones get attempts-1
// more tries before giving up.
func withStoreRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if werr := waitFor(ctx, delay*time.Duration(attempt)); werr != nil {
				return werr
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !schema.IsRetryable(err) {
			return err
		}
	}
	return err
}

// waitFor sleeps for d or returns early when the context is cancelled.
func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
