package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createTableQuery = `
CREATE TABLE IF NOT EXISTS replyq_outbox (
    id UUID PRIMARY KEY,
    destination VARCHAR(255) NOT NULL,
    body BYTEA NOT NULL,
    attributes JSONB,
    status VARCHAR(16) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    sent_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_replyq_outbox_status_created_at ON replyq_outbox (status, created_at);
`

	insertRecordQuery = `
INSERT INTO replyq_outbox (id, destination, body, attributes, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6);
`

	// SKIP LOCKED lets several retransmitters drain the table in parallel
	// without picking the same rows.
	fetchPendingQuery = `
SELECT id, destination, body, attributes, status, created_at, sent_at
FROM replyq_outbox
WHERE status = $1
ORDER BY created_at
LIMIT $2
FOR UPDATE SKIP LOCKED;
`

	markSentQuery = `
UPDATE replyq_outbox
SET status = $1, sent_at = $2
WHERE id = ANY($3);
`
)

var _ Storage = (*PostgresStorage)(nil)

// PostgresStorage persists records in a PostgreSQL table, so stored sends
// survive process restarts.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage creates the storage and its table if missing.
func NewPostgresStorage(ctx context.Context, pool *pgxpool.Pool) (*PostgresStorage, error) {
	if _, err := pool.Exec(ctx, createTableQuery); err != nil {
		return nil, fmt.Errorf("outbox: create table: %w", err)
	}
	return &PostgresStorage{pool: pool}, nil
}

// Save stores a record.
func (s *PostgresStorage) Save(ctx context.Context, record *Record) error {
	attributes, err := json.Marshal(record.Attributes)
	if err != nil {
		return fmt.Errorf("outbox: marshal attributes: %w", err)
	}
	_, err = s.pool.Exec(ctx, insertRecordQuery,
		record.ID,
		record.Destination,
		record.Body,
		attributes,
		record.Status,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("outbox: save record %s: %w", record.ID, err)
	}
	return nil
}

// Fetch returns up to limit pending records, oldest first.
func (s *PostgresStorage) Fetch(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, fetchPendingQuery, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: fetch pending: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0, limit)
	for rows.Next() {
		var record Record
		var attributes []byte
		if err := rows.Scan(
			&record.ID,
			&record.Destination,
			&record.Body,
			&attributes,
			&record.Status,
			&record.CreatedAt,
			&record.SentAt,
		); err != nil {
			return nil, fmt.Errorf("outbox: scan record: %w", err)
		}
		if len(attributes) > 0 {
			if err := json.Unmarshal(attributes, &record.Attributes); err != nil {
				return nil, fmt.Errorf("outbox: unmarshal attributes: %w", err)
			}
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate records: %w", err)
	}
	return records, nil
}

// MarkSent flips the given records to sent.
func (s *PostgresStorage) MarkSent(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	sentAt := time.Now().UTC()
	if _, err := s.pool.Exec(ctx, markSentQuery, StatusSent, sentAt, ids); err != nil {
		return fmt.Errorf("outbox: mark sent: %w", err)
	}
	return nil
}
