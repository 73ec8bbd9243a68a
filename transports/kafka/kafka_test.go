package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyq/replyq-go/contracts"
)

func TestHeaders(t *testing.T) {
	t.Run("attributes become headers", func(t *testing.T) {
		headers := toHeaders(contracts.RequestAttributes("corr-1", "replies-a1b2"))
		require.Len(t, headers, 2)

		byKey := make(map[string]string, len(headers))
		for _, h := range headers {
			byKey[h.Key] = string(h.Value)
		}
		assert.Equal(t, "corr-1", byKey[contracts.CorrelationIDAttribute])
		assert.Equal(t, "replies-a1b2", byKey[contracts.ReplyToAttribute])
	})

	t.Run("empty attributes yield no headers", func(t *testing.T) {
		assert.Nil(t, toHeaders(nil))
		assert.Nil(t, toHeaders(map[string]string{}))
	})

	t.Run("round trip", func(t *testing.T) {
		attrs := contracts.ResponseAttributes("corr-2")
		attrs["tenant"] = "acme"
		assert.Equal(t, attrs, fromHeaders(toHeaders(attrs)))
	})

	t.Run("no headers yield nil attributes", func(t *testing.T) {
		assert.Nil(t, fromHeaders(nil))
	})
}

func TestReceiptFor(t *testing.T) {
	assert.Equal(t, "3:1042", receiptFor(kafka.Message{Partition: 3, Offset: 1042}))
	assert.Equal(t, "0:0", receiptFor(kafka.Message{}))
}

func TestTrack(t *testing.T) {
	transport := New([]string{"localhost:9092"})
	record := kafka.Message{
		Topic:     "orders",
		Partition: 1,
		Offset:    7,
		Value:     []byte(`{"sku":"widget"}`),
		Headers:   toHeaders(contracts.RequestAttributes("corr-3", "replies-x")),
		Time:      time.Now(),
	}

	msg := transport.track("orders", record)

	assert.Equal(t, "1:7", msg.ID)
	assert.Equal(t, "1:7", msg.Receipt)
	assert.Equal(t, "orders", msg.Destination)
	assert.Equal(t, []byte(`{"sku":"widget"}`), msg.Body)
	assert.True(t, msg.IsRequest())
	assert.WithinDuration(t, time.Now(), msg.ReceivedAt, time.Second)

	transport.mu.Lock()
	_, tracked := transport.pending["orders"]["1:7"]
	transport.mu.Unlock()
	assert.True(t, tracked)
}

func TestAcknowledgeUnknownReceipt(t *testing.T) {
	transport := New([]string{"localhost:9092"})

	err := transport.Acknowledge(context.Background(), &contracts.Message{
		Destination: "orders",
		Receipt:     "0:99",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), `receipt "0:99" not found`)
}
