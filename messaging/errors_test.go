package messaging

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/replyq/replyq-go/contracts"
)

func TestErrorSentinels(t *testing.T) {
	t.Run("SendError matches ErrSendFailed and unwraps its cause", func(t *testing.T) {
		cause := errors.New("broker unavailable")
		err := &SendError{Role: "orders", CorrelationID: "req-1", Err: cause, Timestamp: time.Now()}

		assert.ErrorIs(t, err, ErrSendFailed)
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "req-1")
		assert.Contains(t, err.Error(), "orders")
	})

	t.Run("SendError without a correlation id reads as one-way", func(t *testing.T) {
		err := &SendError{Role: "billing", Err: errors.New("nope")}
		assert.NotContains(t, err.Error(), "request")
		assert.Contains(t, err.Error(), "billing")
	})

	t.Run("TimeoutError matches ErrRequestTimedOut", func(t *testing.T) {
		err := &TimeoutError{Role: "orders", CorrelationID: "req-1", Timeout: 30 * time.Second}
		assert.ErrorIs(t, err, ErrRequestTimedOut)
		assert.Contains(t, err.Error(), "30s")
	})

	t.Run("DestinationError matches ErrDestinationUnavailable", func(t *testing.T) {
		cause := errors.New("access denied")
		err := &DestinationError{Op: "create", Role: "orders", Err: cause}
		assert.ErrorIs(t, err, ErrDestinationUnavailable)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("MalformedError direction selects the sentinel", func(t *testing.T) {
		outbound := &MalformedError{Missing: contracts.ReplyToAttribute}
		assert.ErrorIs(t, outbound, ErrMalformedRequest)
		assert.NotErrorIs(t, outbound, ErrMalformedResponse)
		assert.Contains(t, outbound.Error(), "request")

		inbound := &MalformedError{Missing: contracts.CorrelationIDAttribute, Inbound: true}
		assert.ErrorIs(t, inbound, ErrMalformedResponse)
		assert.NotErrorIs(t, inbound, ErrMalformedRequest)
		assert.Contains(t, inbound.Error(), "response")
	})

	t.Run("wrapped sentinels still match", func(t *testing.T) {
		err := fmt.Errorf("register %q: %w", "req-1", ErrDuplicateCorrelationID)
		assert.ErrorIs(t, err, ErrDuplicateCorrelationID)
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"send failure", &SendError{Role: "orders", Err: errors.New("x")}, true},
		{"destination failure", &DestinationError{Op: "create", Role: "orders", Err: errors.New("x")}, true},
		{"timeout", &TimeoutError{Role: "orders", CorrelationID: "req-1"}, false},
		{"duplicate id", fmt.Errorf("register: %w", ErrDuplicateCorrelationID), false},
		{"malformed request", &MalformedError{Missing: contracts.CorrelationIDAttribute}, false},
		{"malformed response", &MalformedError{Missing: contracts.CorrelationIDAttribute, Inbound: true}, false},
		{"closed", ErrClosed, false},
		{"unknown error", errors.New("something else"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}
