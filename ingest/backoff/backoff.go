// Package backoff retries a single network operation a bounded number of
// times with exponentially growing delays between attempts.
package backoff

import (
	"context"
	"time"
)

const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the base of the exponential delay curve. The delay
	// before retry n (1-indexed) is BaseDelay * 2^n: 1s, 2s, 4s with the
	// default base.
	DefaultBaseDelay = 500 * time.Millisecond
)

// Executor runs operations with retry and exponential backoff. The wrapped
// operation must be idempotent: it may run up to 1 + MaxRetries times.
type Executor struct {
	MaxRetries int
	BaseDelay  time.Duration

	// sleep is replaced in tests to avoid real waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor returns an Executor with the default retry bound and delay.
func NewExecutor() Executor {
	return Executor{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		sleep:      sleepContext,
	}
}

// Do runs op, retrying on error up to MaxRetries times. The error of the
// final attempt is returned as-is so callers can inspect it; Do adds no
// wrapping of its own. Cancelling the context aborts both in-between delays
// and further attempts.
func (e Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	sleep := e.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 1; attempt <= 1+e.MaxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = op(ctx)
		if err == nil {
			return nil
		}

		if attempt == 1+e.MaxRetries {
			break
		}

		delay := e.BaseDelay * (1 << attempt)
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}

	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
