package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultFirstRetryInterval = 5 * time.Second
	DefaultBackoffCoefficient = 2.0
	DefaultMaxRetryInterval   = time.Minute
	DefaultMaxAttempts        = 3
)

// ErrRetriesExhausted is wrapped by ExecuteWithRetry once every attempt failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Activity is a single retriable unit of work.
type Activity[I, O any] func(ctx context.Context, in I) (O, error)

// Policy bounds how an activity is retried.
type Policy struct {
	FirstRetryInterval time.Duration
	BackoffCoefficient float64
	MaxRetryInterval   time.Duration
	MaxAttempts        int
}

// DefaultPolicy waits 5s before the first retry, doubles the delay after
// that and allows 3 attempts in total.
func DefaultPolicy() Policy {
	return Policy{
		FirstRetryInterval: DefaultFirstRetryInterval,
		BackoffCoefficient: DefaultBackoffCoefficient,
		MaxRetryInterval:   DefaultMaxRetryInterval,
		MaxAttempts:        DefaultMaxAttempts,
	}
}

func (p Policy) normalize() Policy {
	out := DefaultPolicy()
	if p.FirstRetryInterval > 0 {
		out.FirstRetryInterval = p.FirstRetryInterval
	}
	if p.BackoffCoefficient >= 1 {
		out.BackoffCoefficient = p.BackoffCoefficient
	}
	if p.MaxRetryInterval > 0 {
		out.MaxRetryInterval = p.MaxRetryInterval
	}
	if out.MaxRetryInterval < out.FirstRetryInterval {
		out.MaxRetryInterval = out.FirstRetryInterval
	}
	if p.MaxAttempts > 0 {
		out.MaxAttempts = p.MaxAttempts
	}
	return out
}

// Delay returns the wait after the given failed attempt (1-based).
// It is never shorter than FirstRetryInterval.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalize()
	d := float64(p.FirstRetryInterval)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffCoefficient
		if d >= float64(p.MaxRetryInterval) {
			return p.MaxRetryInterval
		}
	}
	return time.Duration(d)
}

// RetryHooks lets the caller resume an interrupted retry sequence and make
// each failed attempt durable.
type RetryHooks struct {
	// PreviousAttempts is the number of failed attempts already spent.
	PreviousAttempts int
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called after a failed attempt that will be retried.
	// Returning an error aborts the sequence.
	OnRetry func(attempt int, err error) error
}

// ExecuteWithRetry runs step until it succeeds or the policy's attempts are
// spent. It returns the output and the number of attempts made in total,
// including hooks.PreviousAttempts. A cancelled context is returned as is and
// does not count as an attempt.
func ExecuteWithRetry[I, O any](ctx context.Context, step Activity[I, O], input I, policy Policy, hooks RetryHooks) (O, int, error) {
	var zero O
	policy = policy.normalize()
	sleep := hooks.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	attempt := hooks.PreviousAttempts
	if attempt >= policy.MaxAttempts {
		return zero, attempt, fmt.Errorf("%w: %d of %d attempts already spent", ErrRetriesExhausted, attempt, policy.MaxAttempts)
	}

	for {
		attempt++
		out, err := step(ctx, input)
		if err == nil {
			return out, attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, attempt - 1, ctxErr
		}
		if attempt >= policy.MaxAttempts {
			return zero, attempt, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}
		if hooks.OnRetry != nil {
			if hookErr := hooks.OnRetry(attempt, err); hookErr != nil {
				return zero, attempt, hookErr
			}
		}
		if err := sleep(ctx, policy.Delay(attempt)); err != nil {
			return zero, attempt, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
