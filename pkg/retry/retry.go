// Package retry is the bounded-retry primitive shared by health polling and registry pulls.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrBudgetExhausted = errors.New("retry budget exhausted")

type Policy struct {
	// Delay before the second attempt; doubles after every failure.
	Interval time.Duration
	// Upper bound for the delay between two attempts.
	MaxInterval time.Duration
	// Total time allowed across all attempts. Zero means no time bound.
	Budget time.Duration
	// Zero means no attempt bound.
	MaxAttempts uint64
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Interval
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = p.Budget
	b.RandomizationFactor = 0
	b.Multiplier = 2

	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, p.MaxAttempts-1)
	}
	return backoff.WithContext(bo, ctx)
}

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn until it succeeds, returns a permanent error, or the policy is exhausted.
// notify is called after each failed attempt that will be retried.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error, notify func(err error, next time.Duration)) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var deadlineCtx context.Context = ctx
	if policy.Budget > 0 {
		var cancel context.CancelFunc
		deadlineCtx, cancel = context.WithTimeout(ctx, policy.Budget)
		defer cancel()
	}

	var last error
	var permanent *backoff.PermanentError
	op := func() error {
		last = fn(deadlineCtx)
		return last
	}

	err := backoff.RetryNotify(op, policy.backOff(deadlineCtx), notify)
	if err == nil {
		return nil
	}

	if errors.As(last, &permanent) {
		return permanent.Err
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if last != nil {
		return errors.Join(ErrBudgetExhausted, last)
	}
	return ErrBudgetExhausted
}
