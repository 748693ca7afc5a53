package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictamm/internal/domain"
	"github.com/alanyoungcy/predictamm/internal/retry"
)

var fast = retry.Policy{Attempts: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

func TestDoRetriesConflicts(t *testing.T) {
	calls := 0
	out, attempts, err := retry.Do(context.Background(), fast, func(ctx context.Context, attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", domain.Errorf(domain.ErrConcurrencyConflict, "revision moved")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	_, attempts, err := retry.Do(context.Background(), fast, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, domain.ErrConcurrencyConflict
	})
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryOtherKinds(t *testing.T) {
	for _, kind := range []error{
		domain.ErrInvariantViolation,
		domain.ErrInsufficientFunds,
		domain.ErrSlippageExceeded,
		errors.New("boom"),
	} {
		calls := 0
		_, _, err := retry.Do(context.Background(), fast, func(ctx context.Context, attempt int) (int, error) {
			calls++
			return 0, kind
		})
		assert.ErrorIs(t, err, kind)
		assert.Equal(t, 1, calls, "kind %v", kind)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := retry.Policy{Attempts: 5, InitialDelay: time.Hour}

	calls := 0
	_, _, err := retry.Do(ctx, slow, func(ctx context.Context, attempt int) (int, error) {
		calls++
		cancel()
		return 0, domain.ErrConcurrencyConflict
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
