// Package retry runs operations against shared state a bounded number of times,
// waiting between attempts according to a backoff policy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
)

// Operation is one attempt. attempt starts at 1.
type Operation[T any] func(ctx context.Context, attempt int) (T, error)

// Result is the outcome of Do. Errors holds the error of every failed attempt,
// also when a later attempt succeeded.
type Result[T any] struct {
	Success  bool
	Value    T
	Errors   []error
	Attempts int
}

// Err combines the accumulated errors of a failed result. It is nil on success.
func (r Result[T]) Err() error {
	if r.Success {
		return nil
	}
	return multierr.Combine(r.Errors...)
}

// Policy creates the backoff sequence for one call of Do.
type Policy func() backoff.BackOff

// Exponential waits initial, then grows by factor 2 with jitter up to max.
func Exponential(initial, max time.Duration) Policy {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = max
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// Constant waits d between attempts.
func Constant(d time.Duration) Policy {
	return func() backoff.BackOff {
		return backoff.NewConstantBackOff(d)
	}
}

// Immediate retries without waiting.
func Immediate() Policy {
	return func() backoff.BackOff {
		return &backoff.ZeroBackOff{}
	}
}

type options struct {
	retriable func(error) bool
	onRetry   func(attempt int, err error, wait time.Duration)
}

// Option configures Do.
type Option func(*options)

// If retries only errors for which classify returns true. Other errors end Do at once.
func If(classify func(error) bool) Option {
	return func(o *options) { o.retriable = classify }
}

// OnRetry is called before waiting for the next attempt.
func OnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do runs op up to maxAttempts times until it succeeds. Every error is retried
// unless If restricts it. Cancelling ctx ends the wait and Do with ctx.Err()
// appended to the errors.
func Do[T any](ctx context.Context, maxAttempts int, policy Policy, op Operation[T], opts ...Option) Result[T] {
	o := options{retriable: func(error) bool { return true }}
	for _, opt := range opts {
		opt(&o)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if policy == nil {
		policy = Immediate()
	}
	b := policy()

	var res Result[T]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		v, err := op(ctx, attempt)
		if err == nil {
			res.Success = true
			res.Value = v
			return res
		}
		res.Errors = append(res.Errors, err)

		if attempt == maxAttempts || !o.retriable(err) {
			return res
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return res
		}
		if o.onRetry != nil {
			o.onRetry(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			res.Errors = append(res.Errors, err)
			return res
		}
	}
	return res
}

// Run is Do for operations without a value.
func Run(ctx context.Context, maxAttempts int, policy Policy, op func(ctx context.Context) error, opts ...Option) Result[struct{}] {
	return Do(ctx, maxAttempts, policy, func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
