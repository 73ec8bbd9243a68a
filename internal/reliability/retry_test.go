package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("doubles the delay up to the cap", func(t *testing.T) {
		policy := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 0)

		assert.Equal(t, 100*time.Millisecond, policy.NextDelay(1))
		assert.Equal(t, 200*time.Millisecond, policy.NextDelay(2))
		assert.Equal(t, 400*time.Millisecond, policy.NextDelay(3))
		assert.Equal(t, 800*time.Millisecond, policy.NextDelay(4))
		assert.Equal(t, 1*time.Second, policy.NextDelay(5))
		assert.Equal(t, 1*time.Second, policy.NextDelay(20))
	})

	t.Run("treats out-of-range attempts as the first", func(t *testing.T) {
		policy := NewExponentialBackoff(50*time.Millisecond, time.Second, 2.0, 0)
		assert.Equal(t, 50*time.Millisecond, policy.NextDelay(0))
		assert.Equal(t, 50*time.Millisecond, policy.NextDelay(-3))
	})

	t.Run("sanitizes constructor arguments", func(t *testing.T) {
		policy := NewExponentialBackoff(0, 0, 0, 0)
		assert.Greater(t, policy.NextDelay(1), time.Duration(0))
		assert.GreaterOrEqual(t, policy.NextDelay(2), policy.NextDelay(1))
	})
}

func TestFixedDelay(t *testing.T) {
	policy := NewFixedDelay(25*time.Millisecond, 3)
	assert.Equal(t, 25*time.Millisecond, policy.NextDelay(1))
	assert.Equal(t, 25*time.Millisecond, policy.NextDelay(7))
	assert.Equal(t, 3, policy.MaxAttempts())
}

func TestRetry(t *testing.T) {
	t.Run("returns on first success", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after the attempt limit", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		err := Retry(ctx, NewFixedDelay(5*time.Millisecond, 0), func() error {
			calls++
			return errors.New("always")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Greater(t, calls, 0)
	})
}

func TestBackoff(t *testing.T) {
	t.Run("advances on failure and resets on success", func(t *testing.T) {
		backoff := NewBackoff(NewExponentialBackoff(10*time.Millisecond, time.Second, 2.0, 0))

		assert.Equal(t, 10*time.Millisecond, backoff.Next())
		assert.Equal(t, 20*time.Millisecond, backoff.Next())
		assert.Equal(t, 40*time.Millisecond, backoff.Next())
		assert.Equal(t, 3, backoff.Attempt())

		backoff.Reset()
		assert.Equal(t, 0, backoff.Attempt())
		assert.Equal(t, 10*time.Millisecond, backoff.Next())
	})
}
