package contracts

import (
	"time"
)

// Attribute names carried on every request and echoed on every response.
const (
	// CorrelationIDAttribute carries the token linking a response to the
	// request that caused it.
	CorrelationIDAttribute = "RequestMessageId"

	// ReplyToAttribute carries the address of the destination where the
	// requester expects its response.
	ReplyToAttribute = "ReplyTo"
)

// Message is a transport-level message: an opaque body plus string attributes.
// Inbound messages additionally carry the receipt token the transport needs to
// acknowledge them and the address of the destination they were received from.
type Message struct {
	// ID is the transport-assigned message id, when the transport has one.
	ID string

	// Body is the opaque payload. The engine never inspects it.
	Body []byte

	// Attributes is the string metadata delivered alongside the body.
	Attributes map[string]string

	// Destination is the address of the destination this message was
	// received from. Empty on outbound messages.
	Destination string

	// Receipt is the transport's acknowledgment token for this delivery.
	Receipt string

	// ReceivedAt is when the transport handed the message to the process.
	ReceivedAt time.Time
}

// CorrelationID returns the correlation id attribute, or "" if absent.
func (m *Message) CorrelationID() string {
	return m.Attribute(CorrelationIDAttribute)
}

// ReplyTo returns the reply destination attribute, or "" if absent.
func (m *Message) ReplyTo() string {
	return m.Attribute(ReplyToAttribute)
}

// Attribute returns the named attribute, or "" if absent.
func (m *Message) Attribute(name string) string {
	if m == nil || m.Attributes == nil {
		return ""
	}
	return m.Attributes[name]
}

// SetAttribute sets the named attribute, allocating the map if needed.
func (m *Message) SetAttribute(name, value string) {
	if m.Attributes == nil {
		m.Attributes = make(map[string]string, 2)
	}
	m.Attributes[name] = value
}

// IsRequest reports whether the message carries both attributes a responder
// needs to send a correlated reply.
func (m *Message) IsRequest() bool {
	return m.CorrelationID() != "" && m.ReplyTo() != ""
}

// RequestAttributes builds the attribute map for an outgoing request.
func RequestAttributes(correlationID, replyTo string) map[string]string {
	return map[string]string{
		CorrelationIDAttribute: correlationID,
		ReplyToAttribute:       replyTo,
	}
}

// ResponseAttributes builds the attribute map for an outgoing response.
func ResponseAttributes(correlationID string) map[string]string {
	return map[string]string{
		CorrelationIDAttribute: correlationID,
	}
}
