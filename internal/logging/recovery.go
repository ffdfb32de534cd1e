package logging

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy configures Retry
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// DefaultRetryPolicy is used for network operations such as FTP logins
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
		MaxDelay:    time.Minute,
	}
}

// backoff returns the wait before the given attempt (zero-based)
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(p.Delay) * float64(uint64(1)<<uint(attempt)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Retry runs fn until it succeeds, the attempts are exhausted or ctx is done.
// Every failed attempt is logged as a structured error with its attempt number.
func Retry(ctx context.Context, entry *logrus.Entry, policy RetryPolicy, operation string, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := policy.backoff(attempt - 1)
			entry.WithFields(logrus.Fields{
				"operation":    operation,
				"attempt":      attempt + 1,
				"max_attempts": attempts,
				"delay":        delay,
			}).Info("Retrying operation")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		errCtx := Classify(lastErr)
		errCtx.Operation = operation
		errCtx.Recoverable = attempt+1 < attempts
		if errCtx.Metadata == nil {
			errCtx.Metadata = map[string]interface{}{}
		}
		errCtx.Metadata["attempt"] = attempt + 1
		LogStructuredError(entry, NewStructuredError(lastErr, errCtx))
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, lastErr)
}
