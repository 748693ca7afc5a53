// Package retry re-runs a unit of work that lost an optimistic-concurrency
// race. It is the only layer allowed to retry a swap or settlement.
package retry

import (
	"context"
	"time"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// Policy bounds the retry loop. The delay doubles after each failed attempt
// and is capped at MaxDelay when MaxDelay is positive.
type Policy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy is three attempts starting at 50ms.
var DefaultPolicy = Policy{Attempts: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second}

// Do calls fn until it succeeds, returns a non-retriable error, or the
// attempts are exhausted. fn must re-read all state it depends on; nothing
// is carried between attempts except the attempt number.
// The returned int is the number of attempts made.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.InitialDelay

	var (
		zero T
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		var out T
		out, err = fn(ctx, attempt)
		if err == nil {
			return out, attempt, nil
		}
		if !domain.IsRetriable(err) || attempt == attempts {
			return zero, attempt, err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return zero, attempts, err
}
