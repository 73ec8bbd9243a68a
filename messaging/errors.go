package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Dispatch errors
	ErrSendFailed      = errors.New("replyq: transport rejected send")
	ErrRequestTimedOut = errors.New("replyq: request timed out")

	// Destination errors
	ErrDestinationUnavailable = errors.New("replyq: reply destination unavailable")

	// Correlation errors
	ErrDuplicateCorrelationID = errors.New("replyq: duplicate correlation id")
	ErrMalformedRequest       = errors.New("replyq: request missing correlation metadata")
	ErrMalformedResponse      = errors.New("replyq: response missing correlation id")

	// Lifecycle errors
	ErrClosed = errors.New("replyq: client is closed")
)

// SendError records a failed transport send.
type SendError struct {
	Role          string    // Logical role the send targeted
	Destination   string    // Resolved destination address
	CorrelationID string    // Correlation id, empty for one-way sends
	Err           error     // Underlying transport error
	Timestamp     time.Time // When the send failed
}

func (e *SendError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("replyq send error: request %s to role %s failed: %v", e.CorrelationID, e.Role, e.Err)
	}
	return fmt.Sprintf("replyq send error: send to role %s failed: %v", e.Role, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

func (e *SendError) Is(target error) bool {
	return target == ErrSendFailed
}

// TimeoutError records a request that saw no response within its deadline.
type TimeoutError struct {
	Role          string        // Logical role the request targeted
	CorrelationID string        // Correlation id of the expired request
	Timeout       time.Duration // Deadline that elapsed
	Timestamp     time.Time     // When the timeout fired
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("replyq timeout: request %s to role %s saw no response within %s", e.CorrelationID, e.Role, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrRequestTimedOut
}

// DestinationError records a failed destination create, delete, or lookup.
type DestinationError struct {
	Op        string    // Operation that failed (create, delete, resolve)
	Role      string    // Role the destination belongs to
	Err       error     // Underlying transport error
	Timestamp time.Time // When the operation failed
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("replyq destination error: %s for role %s failed: %v", e.Op, e.Role, e.Err)
}

func (e *DestinationError) Unwrap() error {
	return e.Err
}

func (e *DestinationError) Is(target error) bool {
	return target == ErrDestinationUnavailable
}

// MalformedError records a message missing the correlation metadata the
// engine needs to route it.
type MalformedError struct {
	Missing   string // Name of the absent attribute
	MessageID string // Transport message id, when known
	Inbound   bool   // True for responses, false for requests
}

func (e *MalformedError) Error() string {
	kind := "request"
	if e.Inbound {
		kind = "response"
	}
	return fmt.Sprintf("replyq malformed %s: missing attribute %s", kind, e.Missing)
}

func (e *MalformedError) Is(target error) bool {
	if e.Inbound {
		return target == ErrMalformedResponse
	}
	return target == ErrMalformedRequest
}

// IsRetryable reports whether the operation that produced err may succeed on
// a later attempt. Timeouts, duplicate ids, and malformed messages are final;
// transport-level send and destination failures are transient.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrRequestTimedOut),
		errors.Is(err, ErrDuplicateCorrelationID),
		errors.Is(err, ErrMalformedRequest),
		errors.Is(err, ErrMalformedResponse),
		errors.Is(err, ErrClosed):
		return false
	case errors.Is(err, ErrSendFailed),
		errors.Is(err, ErrDestinationUnavailable):
		return true
	}
	return false
}
