// Package retry runs fallible operations a bounded number of times with a
// fixed per-attempt backoff schedule.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	retrygo "github.com/avast/retry-go"
)

// DefaultSchedule waits 5s after the first failure and 10s after every later one.
var DefaultSchedule = Schedule{5 * time.Second, 10 * time.Second}

// Schedule lists the delay to wait after each failed attempt. When there are
// more retries than entries, the last entry is reused.
type Schedule []time.Duration

// Delay returns the wait after the failed attempt with zero-based index n.
func (s Schedule) Delay(n uint) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if int(n) >= len(s) {
		return s[len(s)-1]
	}
	return s[n]
}

// Budget is the longest a WithRetry call can take when every attempt runs for
// perAttempt and fails.
func Budget(perAttempt time.Duration, maxRetries int, schedule Schedule) time.Duration {
	if maxRetries < 0 {
		maxRetries = 0
	}
	total := time.Duration(maxRetries+1) * perAttempt
	for n := 0; n < maxRetries; n++ {
		total += schedule.Delay(uint(n))
	}
	return total
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Permanent marks err as not worth retrying. WithRetry stops at the first
// permanent error and returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

type Options struct {
	// OnRetry is called after each failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// WithRetry calls op up to maxRetries+1 times. A success returns immediately.
// Waits follow schedule and are interrupted by ctx.
func WithRetry[T any](ctx context.Context, op func(ctx context.Context) (T, error), maxRetries int, schedule Schedule, opts ...Options) (T, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	attempts := maxRetries + 1

	var onRetry func(int, error)
	for _, o := range opts {
		if o.OnRetry != nil {
			onRetry = o.OnRetry
		}
	}

	var (
		result T
		calls  int
		perm   *permanentError
	)

	err := retrygo.Do(
		func() error {
			calls++
			v, err := op(ctx)
			if err != nil {
				return err
			}
			result = v
			return nil
		},
		retrygo.Context(ctx),
		retrygo.Attempts(uint(attempts)),
		retrygo.LastErrorOnly(true),
		retrygo.DelayType(func(n uint, _ error, _ *retrygo.Config) time.Duration {
			return schedule.Delay(n)
		}),
		retrygo.RetryIf(func(err error) bool {
			return !errors.As(err, &perm)
		}),
		retrygo.OnRetry(func(n uint, err error) {
			if onRetry != nil && int(n) < attempts-1 && !errors.As(err, &perm) {
				onRetry(int(n)+1, err)
			}
		}),
	)
	if err == nil {
		return result, nil
	}

	var zero T
	if errors.As(err, &perm) {
		return zero, perm.err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && calls < attempts {
		return zero, fmt.Errorf("retry aborted after %d attempts: %w", calls, ctxErr)
	}
	return zero, &ExhaustedError{Attempts: calls, Last: err}
}

// Do is WithRetry for operations without a result value.
func Do(ctx context.Context, op func(ctx context.Context) error, maxRetries int, schedule Schedule, opts ...Options) error {
	_, err := WithRetry(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, maxRetries, schedule, opts...)
	return err
}
