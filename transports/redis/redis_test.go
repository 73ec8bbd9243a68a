package redis

import (
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/replyq/replyq-go/contracts"
	"github.com/replyq/replyq-go/messaging"
)

func TestStreamValues(t *testing.T) {
	t.Run("namespaces attributes away from the body", func(t *testing.T) {
		values := streamValues([]byte("ping"), contracts.RequestAttributes("req-1", "replyq:orders-reply-1"))

		assert.Equal(t, "ping", values[bodyField])
		assert.Equal(t, "req-1", values[attrPrefix+contracts.CorrelationIDAttribute])
		assert.Equal(t, "replyq:orders-reply-1", values[attrPrefix+contracts.ReplyToAttribute])
		assert.Len(t, values, 3)
	})

	t.Run("an attribute named body cannot clobber the payload", func(t *testing.T) {
		values := streamValues([]byte("real"), map[string]string{"body": "fake"})

		assert.Equal(t, "real", values[bodyField])
		assert.Equal(t, "fake", values[attrPrefix+"body"])
	})
}

func TestFromStreamMessage(t *testing.T) {
	t.Run("rebuilds the message with the entry id as receipt", func(t *testing.T) {
		values := streamValues([]byte("pong"), map[string]string{
			contracts.CorrelationIDAttribute: "req-1",
			"tenant":                         "acme",
		})
		values["unrelated"] = "ignored"

		msg := fromStreamMessage("replyq:orders", redis.XMessage{
			ID:     "1718000000000-0",
			Values: values,
		})

		assert.Equal(t, "1718000000000-0", msg.ID)
		assert.Equal(t, "1718000000000-0", msg.Receipt)
		assert.Equal(t, "replyq:orders", msg.Destination)
		assert.Equal(t, []byte("pong"), msg.Body)
		assert.Equal(t, "req-1", msg.CorrelationID())
		assert.Equal(t, "acme", msg.Attribute("tenant"))
		assert.Empty(t, msg.Attribute("unrelated"))
	})

	t.Run("round trip preserves body and attributes", func(t *testing.T) {
		values := streamValues([]byte("x"), contracts.RequestAttributes("req-9", "replyq:billing-reply-2"))
		msg := fromStreamMessage("replyq:billing", redis.XMessage{ID: "1-0", Values: values})

		assert.Equal(t, []byte("x"), msg.Body)
		assert.True(t, msg.IsRequest())
		assert.Equal(t, "req-9", msg.CorrelationID())
	})
}

func TestDestName(t *testing.T) {
	transport := New(nil)

	assert.Equal(t, "orders", transport.destName(messaging.Destination{Name: "orders"}))
	assert.Equal(t, "orders", transport.destName(messaging.Destination{Addr: "replyq:orders"}))
}

func TestIsBusyGroup(t *testing.T) {
	assert.True(t, isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")))
	assert.False(t, isBusyGroup(errors.New("NOGROUP No such consumer group")))
	assert.False(t, isBusyGroup(nil))
}
