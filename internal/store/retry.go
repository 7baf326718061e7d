package store

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"trading-backend/internal/errs"
)

const retryBaseDelay = 25 * time.Millisecond

// withRetry runs fn and, on a transient failure, retries exactly once after a
// jittered backoff. Validation, precondition, not-found and conflict errors
// are never retried, nor is anything once the context is done.
func withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !retryable(ctx, err) {
		return err
	}

	delay := retryBaseDelay + time.Duration(rand.Int63n(int64(retryBaseDelay)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	if err = fn(); err != nil {
		return errs.Wrap(errs.Transient, "store operation failed after retry", err)
	}
	return nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	switch errs.KindOf(err) {
	case errs.Validation, errs.Precondition, errs.NotFound, errs.Conflict:
		return false
	}
	return true
}
