package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/replyq/replyq-go/contracts"
)

// Responder sends correlated responses from the consumer side. It only reads
// the incoming request's attributes and performs a send; the requester's
// registry handles duplicates, so replying twice is harmless.
type Responder struct {
	transport Transport
	logger    *slog.Logger
	diag      Diagnostics
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithResponderLogger sets the logger.
func WithResponderLogger(logger *slog.Logger) ResponderOption {
	return func(r *Responder) {
		r.logger = logger
	}
}

// WithResponderDiagnostics sets the diagnostics sink.
func WithResponderDiagnostics(diag Diagnostics) ResponderOption {
	return func(r *Responder) {
		r.diag = diag
	}
}

// NewResponder creates a responder sending over transport.
func NewResponder(transport Transport, options ...ResponderOption) *Responder {
	r := &Responder{
		transport: transport,
		logger:    slog.Default(),
		diag:      nopDiagnostics{},
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Reply sends payload to the reply destination named by request, echoing its
// correlation id. A request missing either attribute fails with
// ErrMalformedRequest.
func (r *Responder) Reply(ctx context.Context, request *contracts.Message, payload []byte, options ...RequestOption) error {
	correlationID := request.CorrelationID()
	if correlationID == "" {
		return &MalformedError{Missing: contracts.CorrelationIDAttribute, MessageID: request.ID}
	}
	replyTo := request.ReplyTo()
	if replyTo == "" {
		return &MalformedError{Missing: contracts.ReplyToAttribute, MessageID: request.ID}
	}

	opts := requestOptions{}
	for _, opt := range options {
		opt(&opts)
	}
	attrs := contracts.ResponseAttributes(correlationID)
	for name, value := range opts.attributes {
		if _, reserved := attrs[name]; !reserved {
			attrs[name] = value
		}
	}

	dest := Destination{Addr: replyTo}
	if err := r.transport.Send(ctx, dest, payload, attrs); err != nil {
		r.diag.Record(Event{
			Kind:          EventSendFailure,
			CorrelationID: correlationID,
			Destination:   replyTo,
			Err:           err,
			Timestamp:     time.Now(),
		})
		return &SendError{
			Destination:   replyTo,
			CorrelationID: correlationID,
			Err:           err,
			Timestamp:     time.Now(),
		}
	}
	r.logger.Debug("response sent", "correlationId", correlationID, "replyTo", replyTo)
	return nil
}
