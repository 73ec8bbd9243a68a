package replyq

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyq/replyq-go/contracts"
	"github.com/replyq/replyq-go/messaging"
	"github.com/replyq/replyq-go/transports/memory"
)

func fastConfig() messaging.Config {
	return messaging.Config{
		PollInterval:      10 * time.Millisecond,
		MaxBatch:          10,
		LongPollWait:      50 * time.Millisecond,
		VisibilityTimeout: 2 * time.Second,
		DefaultTimeout:    2 * time.Second,
		TeardownGrace:     50 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		SweepInterval:     10 * time.Millisecond,
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client := NewClient(memory.New(), WithConfig(fastConfig()))
	t.Cleanup(func() { client.Close() })
	return client
}

func echoHandler() messaging.Handler {
	return messaging.HandlerFunc(func(_ context.Context, msg *contracts.Message) ([]byte, error) {
		return msg.Body, nil
	})
}

func TestRequestResponseRoundTrip(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Serve(context.Background(), "orders", echoHandler())
	require.NoError(t, err)

	response, err := client.SendRequest(context.Background(), "orders", []byte(`{"sku":"widget"}`))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"sku":"widget"}`), response.Body)
	assert.NotEmpty(t, response.CorrelationID())
}

func TestConcurrentRequestsGetTheirOwnResponses(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Serve(context.Background(), "orders", echoHandler(),
		messaging.WithServerConcurrency(8))
	require.NoError(t, err)

	const callers = 50
	responses := make([][]byte, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("payload-%d", i))
			response, err := client.SendRequest(context.Background(), "orders", payload)
			errs[i] = err
			if response != nil {
				responses[i] = response.Body
			}
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		assert.Equal(t, fmt.Sprintf("payload-%d", i), string(responses[i]), "caller %d got someone else's response", i)
	}
}

func TestRequestTimeout(t *testing.T) {
	client := newTestClient(t)

	start := time.Now()
	_, err := client.SendRequest(context.Background(), "orders", []byte("nobody listens"),
		messaging.WithTimeout(60*time.Millisecond))

	require.ErrorIs(t, err, messaging.ErrRequestTimedOut)
	assert.Less(t, time.Since(start), time.Second)

	// The pending entry must be gone; re-acquiring the still-draining
	// destination exposes its registry.
	rd, err := client.Manager().Acquire(context.Background(), "orders")
	require.NoError(t, err)
	assert.Zero(t, rd.Registry().Len())
	client.Manager().Release("orders")
}

func TestSendOneWay(t *testing.T) {
	client := newTestClient(t)

	var mu sync.Mutex
	var seen [][]byte
	_, err := client.Serve(context.Background(), "audit",
		messaging.HandlerFunc(func(_ context.Context, msg *contracts.Message) ([]byte, error) {
			mu.Lock()
			seen = append(seen, msg.Body)
			mu.Unlock()
			return nil, nil
		}))
	require.NoError(t, err)

	require.NoError(t, client.SendOneWay(context.Background(), "audit", []byte("event")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, client.Manager().ActiveRoles(), "one-way sends must not create reply destinations")
}

func TestManualReply(t *testing.T) {
	client := newTestClient(t)
	transport := client.Transport()

	// A consumer that replies through the facade instead of a Server.
	dest, err := transport.CreateDestination(context.Background(), "orders")
	require.NoError(t, err)
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	go func() {
		for consumerCtx.Err() == nil {
			messages, err := transport.Receive(consumerCtx, dest, messaging.ReceiveOptions{
				MaxMessages: 1,
				WaitTime:    50 * time.Millisecond,
			})
			if err != nil {
				return
			}
			for _, msg := range messages {
				if client.Reply(consumerCtx, msg, append([]byte("ack:"), msg.Body...)) == nil {
					_ = transport.Acknowledge(consumerCtx, msg)
				}
			}
		}
	}()

	response, err := client.SendRequest(context.Background(), "orders", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ack:ping", string(response.Body))
}

func TestStartRoleKeepsDestinationWarm(t *testing.T) {
	client := newTestClient(t)

	require.NoError(t, client.StartRole(context.Background(), "orders"))
	assert.Contains(t, client.Manager().ActiveRoles(), "orders")

	// Well past the teardown grace; the pin must hold the destination open.
	time.Sleep(150 * time.Millisecond)
	assert.Contains(t, client.Manager().ActiveRoles(), "orders")

	client.StopRole("orders")
	assert.Eventually(t, func() bool {
		return len(client.Manager().ActiveRoles()) == 0
	}, 2*time.Second, 10*time.Millisecond, "unpinned destination should tear down after the grace period")

	// Unmatched StopRole is a no-op.
	client.StopRole("orders")
	assert.Empty(t, client.Manager().ActiveRoles())
}

func TestClientClose(t *testing.T) {
	client := NewClient(memory.New(), WithConfig(fastConfig()))

	_, err := client.Serve(context.Background(), "orders", echoHandler())
	require.NoError(t, err)
	require.NoError(t, client.StartRole(context.Background(), "orders"))

	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "close is idempotent")

	_, err = client.SendRequest(context.Background(), "orders", []byte("too late"))
	assert.ErrorIs(t, err, messaging.ErrClosed)

	_, err = client.Serve(context.Background(), "orders", echoHandler())
	assert.Error(t, err)
}
