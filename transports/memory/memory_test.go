package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyq/replyq-go/messaging"
)

func TestCreateDestination(t *testing.T) {
	t.Run("creates the queue once and returns the same address", func(t *testing.T) {
		transport := New()

		first, err := transport.CreateDestination(context.Background(), "orders")
		require.NoError(t, err)
		second, err := transport.CreateDestination(context.Background(), "orders")
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, "memory://orders", first.Addr)
	})

	t.Run("rejects an empty name", func(t *testing.T) {
		_, err := New().CreateDestination(context.Background(), "")
		assert.Error(t, err)
	})
}

func TestSendReceive(t *testing.T) {
	t.Run("round trips body and attributes", func(t *testing.T) {
		transport := New()
		dest, err := transport.CreateDestination(context.Background(), "orders")
		require.NoError(t, err)

		attrs := map[string]string{"tenant": "acme"}
		require.NoError(t, transport.Send(context.Background(), dest, []byte("hello"), attrs))
		attrs["tenant"] = "mutated after send"

		messages, err := transport.Receive(context.Background(), dest, messaging.ReceiveOptions{MaxMessages: 10})
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, []byte("hello"), messages[0].Body)
		assert.Equal(t, "acme", messages[0].Attribute("tenant"), "attributes are copied at send time")
		assert.NotEmpty(t, messages[0].ID)
		assert.NotEmpty(t, messages[0].Receipt)
		assert.Equal(t, dest.Addr, messages[0].Destination)
	})

	t.Run("send to a missing queue fails", func(t *testing.T) {
		transport := New()
		err := transport.Send(context.Background(), messaging.Destination{Name: "nope"}, []byte("x"), nil)
		assert.Error(t, err)
	})

	t.Run("empty queue returns immediately without a wait", func(t *testing.T) {
		transport := New()
		dest, err := transport.CreateDestination(context.Background(), "orders")
		require.NoError(t, err)

		start := time.Now()
		messages, err := transport.Receive(context.Background(), dest, messaging.ReceiveOptions{MaxMessages: 1})
		require.NoError(t, err)
		assert.Empty(t, messages)
		assert.Less(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("long poll wakes up when a message arrives", func(t *testing.T) {
		transport := New()
		dest, err := transport.CreateDestination(context.Background(), "orders")
		require.NoError(t, err)

		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = transport.Send(context.Background(), dest, []byte("late"), nil)
		}()

		start := time.Now()
		messages, err := transport.Receive(context.Background(), dest, messaging.ReceiveOptions{
			MaxMessages: 1,
			WaitTime:    500 * time.Millisecond,
		})
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Less(t, time.Since(start), 400*time.Millisecond, "woke before the full wait elapsed")
	})

	t.Run("batch size caps one receive", func(t *testing.T) {
		transport := New()
		dest, err := transport.CreateDestination(context.Background(), "orders")
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			require.NoError(t, transport.Send(context.Background(), dest, []byte{byte(i)}, nil))
		}

		messages, err := transport.Receive(context.Background(), dest, messaging.ReceiveOptions{MaxMessages: 3})
		require.NoError(t, err)
		assert.Len(t, messages, 3)
	})

	t.Run("cancelled context aborts a long poll", func(t *testing.T) {
		transport := New()
		dest, err := transport.CreateDestination(context.Background(), "orders")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = transport.Receive(ctx, dest, messaging.ReceiveOptions{
			MaxMessages: 1,
			WaitTime:    5 * time.Second,
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestVisibility(t *testing.T) {
	t.Run("received message is invisible until the timeout, then redelivers", func(t *testing.T) {
		transport := New()
		dest, err := transport.CreateDestination(context.Background(), "orders")
		require.NoError(t, err)
		require.NoError(t, transport.Send(context.Background(), dest, []byte("x"), nil))

		opts := messaging.ReceiveOptions{MaxMessages: 1, VisibilityTimeout: 40 * time.Millisecond}
		first, err := transport.Receive(context.Background(), dest, opts)
		require.NoError(t, err)
		require.Len(t, first, 1)

		// Still within the visibility window: nothing to receive.
		hidden, err := transport.Receive(context.Background(), dest, opts)
		require.NoError(t, err)
		assert.Empty(t, hidden)

		// After the window the same message comes back under a new receipt.
		time.Sleep(50 * time.Millisecond)
		second, err := transport.Receive(context.Background(), dest, opts)
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.Equal(t, first[0].ID, second[0].ID)
		assert.NotEqual(t, first[0].Receipt, second[0].Receipt)
	})

	t.Run("long poll wakes for a redelivery without a new send", func(t *testing.T) {
		transport := New()
		dest, err := transport.CreateDestination(context.Background(), "orders")
		require.NoError(t, err)
		require.NoError(t, transport.Send(context.Background(), dest, []byte("x"), nil))

		opts := messaging.ReceiveOptions{MaxMessages: 1, VisibilityTimeout: 30 * time.Millisecond}
		_, err = transport.Receive(context.Background(), dest, opts)
		require.NoError(t, err)

		messages, err := transport.Receive(context.Background(), dest, messaging.ReceiveOptions{
			MaxMessages:       1,
			VisibilityTimeout: time.Minute,
			WaitTime:          time.Second,
		})
		require.NoError(t, err)
		assert.Len(t, messages, 1)
	})
}

func TestAcknowledge(t *testing.T) {
	t.Run("acknowledged message never redelivers", func(t *testing.T) {
		transport := New()
		dest, err := transport.CreateDestination(context.Background(), "orders")
		require.NoError(t, err)
		require.NoError(t, transport.Send(context.Background(), dest, []byte("x"), nil))

		opts := messaging.ReceiveOptions{MaxMessages: 1, VisibilityTimeout: 10 * time.Millisecond}
		messages, err := transport.Receive(context.Background(), dest, opts)
		require.NoError(t, err)
		require.Len(t, messages, 1)
		require.NoError(t, transport.Acknowledge(context.Background(), messages[0]))

		time.Sleep(20 * time.Millisecond)
		after, err := transport.Receive(context.Background(), dest, opts)
		require.NoError(t, err)
		assert.Empty(t, after)
		assert.Zero(t, transport.Len("orders"))
	})

	t.Run("stale receipt no longer acknowledges after a redelivery", func(t *testing.T) {
		transport := New()
		dest, err := transport.CreateDestination(context.Background(), "orders")
		require.NoError(t, err)
		require.NoError(t, transport.Send(context.Background(), dest, []byte("x"), nil))

		opts := messaging.ReceiveOptions{MaxMessages: 1, VisibilityTimeout: 10 * time.Millisecond}
		first, err := transport.Receive(context.Background(), dest, opts)
		require.NoError(t, err)
		require.Len(t, first, 1)

		time.Sleep(20 * time.Millisecond)
		second, err := transport.Receive(context.Background(), dest, opts)
		require.NoError(t, err)
		require.Len(t, second, 1)

		assert.Error(t, transport.Acknowledge(context.Background(), first[0]))
		assert.NoError(t, transport.Acknowledge(context.Background(), second[0]))
	})
}

func TestLifecycle(t *testing.T) {
	t.Run("delete removes the queue and its heartbeat", func(t *testing.T) {
		transport := New()
		dest, err := transport.CreateDestination(context.Background(), "orders-reply-1")
		require.NoError(t, err)

		require.NoError(t, transport.DeleteDestination(context.Background(), dest))
		assert.Error(t, transport.Send(context.Background(), dest, []byte("x"), nil))
		assert.Error(t, transport.DeleteDestination(context.Background(), dest))
	})

	t.Run("heartbeats are recorded and listed by prefix", func(t *testing.T) {
		transport := New()
		ctx := context.Background()

		reply1, err := transport.CreateDestination(ctx, "orders-reply-1")
		require.NoError(t, err)
		_, err = transport.CreateDestination(ctx, "orders-reply-2")
		require.NoError(t, err)
		_, err = transport.CreateDestination(ctx, "billing")
		require.NoError(t, err)

		created, err := transport.LastHeartbeat(ctx, reply1)
		require.NoError(t, err)
		assert.False(t, created.IsZero(), "creation counts as the first heartbeat")

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, transport.Heartbeat(ctx, reply1))
		beaten, err := transport.LastHeartbeat(ctx, reply1)
		require.NoError(t, err)
		assert.True(t, beaten.After(created))

		replies, err := transport.ListDestinations(ctx, "orders-reply-")
		require.NoError(t, err)
		assert.Len(t, replies, 2)
	})
}
