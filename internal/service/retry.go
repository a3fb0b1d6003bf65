package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Retry runs fn up to attempts times with exponential backoff starting at baseDelay.
// Only transient errors are retried; any other error is returned immediately.
func Retry(ctx context.Context, operation string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt == attempts-1 {
			break
		}

		delay := baseDelay * (1 << attempt)
		Logger.Warn("Operation failed, retrying",
			zap.String("Operation", operation),
			zap.Int("Attempt", attempt+1),
			zap.Int("MaxAttempts", attempts),
			zap.Duration("Delay", delay),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
