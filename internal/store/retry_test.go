package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"trading-backend/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetry_SecondAttemptSucceeds(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		if calls == 1 {
			return errors.New("deadlock found when trying to get lock")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_GivesUpAfterOneRetry(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return errors.New("still broken")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, errs.Transient, errs.KindOf(err))
}

func TestWithRetry_SkipsNonRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"validation", errs.New(errs.Validation, "bad input")},
		{"precondition", errs.New(errs.Precondition, "insufficient balance")},
		{"not found", errs.New(errs.NotFound, "missing")},
		{"conflict", errs.New(errs.Conflict, "already done")},
		{"no rows", sql.ErrNoRows},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := withRetry(context.Background(), func() error {
				calls++
				return tc.err
			})
			require.Error(t, err)
			assert.Equal(t, 1, calls)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestWithRetry_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := withRetry(ctx, func() error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}
