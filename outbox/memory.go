package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage keeps records in process memory. Sends stored here do not
// survive a restart; use PostgresStorage when they must.
type MemoryStorage struct {
	mu      sync.Mutex
	records []*Record
	byID    map[uuid.UUID]*Record
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{byID: make(map[uuid.UUID]*Record)}
}

// Save stores a record.
func (s *MemoryStorage) Save(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.records = append(s.records, &copied)
	s.byID[copied.ID] = &copied
	return nil
}

// Fetch returns up to limit pending records in insertion order.
func (s *MemoryStorage) Fetch(_ context.Context, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, record := range s.records {
		if len(out) >= limit {
			break
		}
		if record.Status != StatusPending {
			continue
		}
		copied := *record
		out = append(out, &copied)
	}
	return out, nil
}

// MarkSent flips the given records to sent. Unknown ids are ignored.
func (s *MemoryStorage) MarkSent(_ context.Context, ids ...uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range ids {
		if record, ok := s.byID[id]; ok {
			record.Status = StatusSent
			record.SentAt = &now
		}
	}
	return nil
}

// Pending reports how many records still await retransmission.
func (s *MemoryStorage) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, record := range s.records {
		if record.Status == StatusPending {
			n++
		}
	}
	return n
}
