// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError checks if the error is either a SQLITE_BUSY
// or "database is locked" error. Both warrant a retry.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// Backoff describes an exponential retry schedule.
type Backoff struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultBackoff retries three times starting at 100ms (100ms, 200ms).
var DefaultBackoff = Backoff{Attempts: 3, BaseDelay: 100 * time.Millisecond}

// Delay returns the wait before retry number attempt (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	return b.BaseDelay * time.Duration(1<<attempt)
}

// Retry runs fn until it succeeds, returns an error that retryable rejects,
// the attempts are exhausted or ctx is done.
func Retry(ctx context.Context, b Backoff, op string, retryable func(error) bool, fn func() error) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) || i == attempts-1 {
			return err
		}

		delay := b.Delay(i)
		slog.Debug("operation failed, retrying", "op", op, "attempt", i+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
