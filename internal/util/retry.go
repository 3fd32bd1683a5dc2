package util

import (
	"context"
	"errors"
	"time"
)

// ErrPermanent marks an error as not worth retrying. Wrap it with
// fmt.Errorf("...: %w", ErrPermanent) or join it onto a cause; Retry stops
// immediately when the callback's error matches it.
var ErrPermanent = errors.New("permanent error")

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay. It returns nil on the first successful call, or the last error
// if all attempts fail. Errors matching ErrPermanent are returned without
// further attempts. The function respects context cancellation between
// retries.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) {
			return err
		}

		// Don't sleep after the last failed attempt.
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return err
}
