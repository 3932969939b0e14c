// Package poll implements the fixed-interval status polling shared by every
// provider that exposes an asynchronous create-task / get-status API.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrTimeout is matched by errors returned when a task does not reach a
// terminal state before the poller's timeout.
var ErrTimeout = errors.New("poll timed out")

// Poller configures a polling loop.
type Poller struct {
	// Interval is the fixed delay between status checks.
	Interval time.Duration
	// Timeout bounds the whole loop. Zero means only ctx bounds it.
	Timeout time.Duration
	// MaxConsecutiveErrors aborts the loop after this many transient errors
	// in a row. Zero means transient errors never abort the loop.
	MaxConsecutiveErrors int
	// Logger receives one debug line per transient error.
	Logger *slog.Logger
	// OnAttempt, if set, is invoked before each status check.
	OnAttempt func(attempt int)
}

// CheckFunc performs one status check. It returns done=true together with
// the final value once the task has finished successfully.
type CheckFunc[T any] func(ctx context.Context) (value T, done bool, err error)

// TimeoutError reports how long and how often a task was polled.
type TimeoutError struct {
	After    time.Duration
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task did not finish within %s (%d polls)", e.After, e.Attempts)
}

// Is makes errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

type retryError struct{ err error }

func (e *retryError) Error() string { return e.err.Error() }
func (e *retryError) Unwrap() error { return e.err }

// Retry marks err as transient: the loop logs it and polls again.
func Retry(err error) error {
	if err == nil {
		return nil
	}
	return &retryError{err: err}
}

// IsRetry reports whether err was marked with Retry.
func IsRetry(err error) bool {
	var r *retryError
	return errors.As(err, &r)
}

// Until calls check immediately and then every p.Interval until it reports
// done, returns a non-transient error, or the timeout or ctx expires.
// It returns the final value and the number of checks performed.
func Until[T any](ctx context.Context, p Poller, check CheckFunc[T]) (T, int, error) {
	var zero T
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var deadline <-chan time.Time
	if p.Timeout > 0 {
		timer := time.NewTimer(p.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	attempts := 0
	consecutive := 0
	for {
		attempts++
		if p.OnAttempt != nil {
			p.OnAttempt(attempts)
		}

		v, done, err := check(ctx)
		switch {
		case err == nil && done:
			return v, attempts, nil
		case err == nil:
			consecutive = 0
		case IsRetry(err):
			consecutive++
			logger.Debug("transient poll error", "attempt", attempts, "error", err)
			if p.MaxConsecutiveErrors > 0 && consecutive >= p.MaxConsecutiveErrors {
				return zero, attempts, fmt.Errorf("%d consecutive poll errors: %w", consecutive, errors.Unwrap(err))
			}
		default:
			return zero, attempts, err
		}

		select {
		case <-ctx.Done():
			return zero, attempts, ctx.Err()
		case <-deadline:
			return zero, attempts, &TimeoutError{After: p.Timeout, Attempts: attempts}
		case <-time.After(p.Interval):
		}
	}
}
