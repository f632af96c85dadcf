// Package retry provides the bounded retry policy shared by block fetching,
// artifact verification and the metadata API client.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes how many times an operation is attempted and how long
// to wait between attempts.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts uint
	// Initial is the wait after the first failure.
	Initial time.Duration
	// Multiplier grows the wait after each failure. 1 means fixed.
	Multiplier float64
	// MaxInterval caps the wait. Zero means uncapped.
	MaxInterval time.Duration
	// DelayFor overrides the wait for specific errors. When it returns
	// false the shaped wait is used.
	DelayFor func(err error) (time.Duration, bool)
}

// Fixed returns a policy that waits the same duration between attempts.
func Fixed(attempts uint, wait time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Initial: wait, Multiplier: 1}
}

// Exponential returns a policy that doubles the wait after each failure.
func Exponential(attempts uint, initial time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Initial: initial, Multiplier: 2}
}

// Notify is called after a failed attempt with the wait before the next one.
type Notify func(err error, wait time.Duration)

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the policy is
// exhausted, or ctx is done. op receives the 1-based attempt number.
// On failure the error is the last one returned by op, or the context error.
func Do[T any](ctx context.Context, p Policy, op func(attempt uint) (T, error), notify Notify) (T, error) {
	var (
		attempt uint
		lastErr error
	)

	operation := func() (T, error) {
		attempt++
		v, err := op(attempt)
		lastErr = err
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff(&lastErr)),
		backoff.WithMaxTries(p.attempts()),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(notify)))
	}

	return backoff.Retry(ctx, operation, opts...)
}

func (p Policy) attempts() uint {
	if p.MaxAttempts == 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backOff(lastErr *error) backoff.BackOff {
	var base backoff.BackOff
	if p.Multiplier <= 1 {
		base = backoff.NewConstantBackOff(p.Initial)
	} else {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.Initial
		exp.Multiplier = p.Multiplier
		exp.RandomizationFactor = 0
		exp.MaxInterval = p.MaxInterval
		if exp.MaxInterval == 0 {
			exp.MaxInterval = p.Initial << 10
		}
		base = exp
	}
	if p.DelayFor == nil {
		return base
	}
	return &errorAwareBackOff{base: base, lastErr: lastErr, delayFor: p.DelayFor}
}

// errorAwareBackOff lets the most recent error pick the wait.
type errorAwareBackOff struct {
	base     backoff.BackOff
	lastErr  *error
	delayFor func(error) (time.Duration, bool)
}

func (b *errorAwareBackOff) NextBackOff() time.Duration {
	if err := *b.lastErr; err != nil {
		if d, ok := b.delayFor(err); ok {
			return d
		}
	}
	return b.base.NextBackOff()
}

func (b *errorAwareBackOff) Reset() {
	b.base.Reset()
}
