package messaging

import (
	"context"
	"time"

	"github.com/replyq/replyq-go/contracts"
)

// Destination identifies a queue-like target on the transport. Name is the
// logical name used at creation time; Addr is the transport-specific address
// (queue URL, stream key, topic) used for sends and receives.
type Destination struct {
	Name string
	Addr string
}

// ReceiveOptions controls a single receive call.
type ReceiveOptions struct {
	// MaxMessages caps the batch size of one receive call.
	MaxMessages int

	// WaitTime is the transport-side long-poll duration. Zero means the
	// transport returns immediately.
	WaitTime time.Duration

	// VisibilityTimeout is how long received-but-unacknowledged messages
	// stay hidden from other receivers before redelivery. Transports
	// without per-receive visibility ignore it.
	VisibilityTimeout time.Duration
}

// Transport is the queue backend the engine runs on. Implementations must
// provide at-least-once delivery of opaque bodies with string attributes;
// ordering is not assumed.
//
// CreateDestination is create-or-get: calling it with the name of an existing
// destination returns that destination rather than failing.
type Transport interface {
	CreateDestination(ctx context.Context, name string) (Destination, error)
	DeleteDestination(ctx context.Context, dest Destination) error
	Send(ctx context.Context, dest Destination, body []byte, attributes map[string]string) error
	Receive(ctx context.Context, dest Destination, opts ReceiveOptions) ([]*contracts.Message, error)
	Acknowledge(ctx context.Context, msg *contracts.Message) error
}

// Heartbeater is an optional transport capability: destinations carry a
// liveness marker that an external sweeper can read to tell active reply
// destinations from ones leaked by crashed processes.
type Heartbeater interface {
	Heartbeat(ctx context.Context, dest Destination) error
}

// Inspector is an optional transport capability used by the idle-destination
// sweeper to enumerate destinations and read their liveness markers.
type Inspector interface {
	ListDestinations(ctx context.Context, prefix string) ([]Destination, error)
	LastHeartbeat(ctx context.Context, dest Destination) (time.Time, error)
}
