package reliability

import (
	"context"
	"fmt"
	"time"
)

// Policy produces retry delays. Attempts are numbered from 1.
type Policy interface {
	// NextDelay returns how long to wait before the given attempt.
	NextDelay(attempt int) time.Duration

	// MaxAttempts returns the attempt limit. Zero or negative means
	// unlimited.
	MaxAttempts() int
}

// ExponentialBackoff grows the delay by a constant multiplier up to a cap.
type ExponentialBackoff struct {
	initial     time.Duration
	max         time.Duration
	multiplier  float64
	maxAttempts int
}

// NewExponentialBackoff creates an exponential policy. maxAttempts <= 0 means
// unlimited attempts.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	if multiplier < 1 {
		multiplier = 2
	}
	return &ExponentialBackoff{
		initial:     initial,
		max:         max,
		multiplier:  multiplier,
		maxAttempts: maxAttempts,
	}
}

func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.initial)
	for i := 1; i < attempt; i++ {
		delay *= b.multiplier
		if delay >= float64(b.max) {
			return b.max
		}
	}
	if delay > float64(b.max) {
		return b.max
	}
	return time.Duration(delay)
}

func (b *ExponentialBackoff) MaxAttempts() int {
	return b.maxAttempts
}

// FixedDelay waits the same duration before every attempt.
type FixedDelay struct {
	delay       time.Duration
	maxAttempts int
}

// NewFixedDelay creates a fixed-delay policy. maxAttempts <= 0 means
// unlimited attempts.
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	if delay < 0 {
		delay = 0
	}
	return &FixedDelay{delay: delay, maxAttempts: maxAttempts}
}

func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.delay
}

func (f *FixedDelay) MaxAttempts() int {
	return f.maxAttempts
}

// Retry runs fn until it succeeds, the policy's attempt limit is reached, or
// ctx is cancelled. The first attempt runs immediately.
func Retry(ctx context.Context, policy Policy, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(); err == nil {
			return nil
		}
		if max := policy.MaxAttempts(); max > 0 && attempt >= max {
			return fmt.Errorf("retry gave up after %d attempts: %w", attempt, err)
		}
		select {
		case <-time.After(policy.NextDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Backoff tracks consecutive failures of a long-running loop. Next returns
// the delay before the next attempt; Reset clears the streak after a success.
type Backoff struct {
	policy  Policy
	attempt int
}

// NewBackoff creates a stateful backoff over policy.
func NewBackoff(policy Policy) *Backoff {
	return &Backoff{policy: policy}
}

// Next records a failure and returns how long to wait before continuing.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return b.policy.NextDelay(b.attempt)
}

// Reset clears the failure streak.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the current consecutive-failure count.
func (b *Backoff) Attempt() int {
	return b.attempt
}
