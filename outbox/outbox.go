// Package outbox persists one-way sends the transport rejected and
// retransmits them once the transport recovers. Wired into a Dispatcher
// through the Fallback adapter, it trades immediate failure for eventual,
// at-least-once delivery.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record statuses.
const (
	StatusPending = "PENDING"
	StatusSent    = "SENT"
)

// Record is one stored send.
type Record struct {
	ID          uuid.UUID
	Destination string // logical role name, resolved again at send time
	Body        []byte
	Attributes  map[string]string
	Status      string
	CreatedAt   time.Time
	SentAt      *time.Time
}

// NewRecord creates a pending record for one send.
func NewRecord(destination string, body []byte, attributes map[string]string) *Record {
	return &Record{
		ID:          uuid.New(),
		Destination: destination,
		Body:        body,
		Attributes:  attributes,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// Storage persists records. Implementations must be safe for concurrent use.
type Storage interface {
	// Save stores a record.
	Save(ctx context.Context, record *Record) error

	// Fetch returns up to limit pending records, oldest first.
	Fetch(ctx context.Context, limit int) ([]*Record, error)

	// MarkSent flips the given records to sent.
	MarkSent(ctx context.Context, ids ...uuid.UUID) error
}
