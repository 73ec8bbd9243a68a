package outbox

import (
	"context"

	"github.com/replyq/replyq-go/messaging"
)

var _ messaging.FallbackStore = (*Fallback)(nil)

// Fallback adapts a Storage to the dispatcher's FallbackStore interface.
// Configure it with messaging.WithFallbackStore to have rejected one-way
// sends land in the outbox instead of failing the caller.
type Fallback struct {
	storage Storage
}

// NewFallback wraps storage for use as a dispatcher fallback.
func NewFallback(storage Storage) *Fallback {
	return &Fallback{storage: storage}
}

// Save stores the rejected send as a pending record.
func (f *Fallback) Save(ctx context.Context, destination string, body []byte, attributes map[string]string) error {
	return f.storage.Save(ctx, NewRecord(destination, body, attributes))
}
