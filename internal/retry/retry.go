// Package retry provides an explicit bounded retry policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when every attempt of a policy failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy bounds how often and how fast an operation is retried.
//
// Every failed attempt is followed by one wait, so a policy that exhausts
// all attempts spends MaxAttempts waits in total. With Multiplier <= 1 the
// wait stays at InitialBackoff.
type Policy struct {
	MaxAttempts    int           // Attempts before giving up (default: 1)
	InitialBackoff time.Duration // Wait after the first failure
	MaxBackoff     time.Duration // Upper bound for the wait (0 = unbounded)
	Multiplier     float64       // Growth factor applied after each wait
	Sleep          SleepFunc     // Nil uses a real timer
}

// ConvergencePolicy returns the policy used to wait for the index to apply
// pending operations: five attempts, one second apart.
func ConvergencePolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
	}
}

// Do calls fn until it returns nil or the attempts are used up. The attempt
// number passed to fn starts at 1. The returned error wraps ErrExhausted and
// the last error from fn, or the context error if ctx ended while waiting.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	backoff := p.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		if err := sleep(ctx, backoff); err != nil {
			return err
		}

		if p.Multiplier > 1 {
			backoff = time.Duration(float64(backoff) * p.Multiplier)
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
