// Package retry runs an operation under a bounded exponential backoff. A
// single Policy is injected wherever remote calls are retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 2 * time.Second
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable classifies errors. A nil classifier retries nothing.
	Retryable func(error) bool
	// Notify, when set, sees every failure that will be retried.
	Notify func(err error, wait time.Duration)
}

// ExhaustedError is returned after the last attempt failed with a retryable
// error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

func New(maxAttempts int, base, max time.Duration, retryable func(error) bool) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: base, MaxDelay: max, Retryable: retryable}
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// exponential is the wait schedule: BaseDelay doubling up to MaxDelay, with
// no jitter and no elapsed-time limit. Attempts bound the run instead.
func (p Policy) exponential() *backoff.ExponentialBackOff {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMaxInterval(max),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
}

// Do calls op until it succeeds, fails with a non-retryable error, or the
// attempts run out.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.attempts()
	schedule := backoff.WithContext(
		backoff.WithMaxRetries(p.exponential(), uint64(attempts-1)),
		ctx,
	)

	var (
		calls     int
		retryable bool
	)
	err := backoff.RetryNotify(func() error {
		calls++
		err := op(ctx)
		if err == nil {
			return nil
		}
		retryable = p.Retryable != nil && p.Retryable(err)
		if !retryable {
			return backoff.Permanent(err)
		}
		return err
	}, schedule, p.Notify)

	switch {
	case err == nil:
		return nil
	case !retryable:
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return &ExhaustedError{Attempts: calls, Err: err}
}

// Delay is the wait before retry n (1-based).
func (p Policy) Delay(n int) time.Duration {
	b := p.exponential()
	d := b.NextBackOff()
	for i := 1; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}
