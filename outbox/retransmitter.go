package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/replyq/replyq-go/messaging"
)

// Retransmitter drains pending records back onto the transport. Run several
// against the same PostgresStorage if one cannot keep up; SKIP LOCKED keeps
// them off each other's rows.
type Retransmitter struct {
	storage   Storage
	transport messaging.Transport

	interval time.Duration
	limit    int
	logger   *slog.Logger
}

// RetransmitterOption configures a Retransmitter.
type RetransmitterOption func(*Retransmitter)

// WithInterval sets how often Run drains the storage. Defaults to 5s.
func WithInterval(interval time.Duration) RetransmitterOption {
	return func(r *Retransmitter) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithLimit caps how many records one pass fetches. Defaults to 100.
func WithLimit(limit int) RetransmitterOption {
	return func(r *Retransmitter) {
		if limit > 0 {
			r.limit = limit
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RetransmitterOption {
	return func(r *Retransmitter) {
		r.logger = logger
	}
}

// NewRetransmitter creates a retransmitter sending through transport.
func NewRetransmitter(storage Storage, transport messaging.Transport, options ...RetransmitterOption) *Retransmitter {
	r := &Retransmitter{
		storage:   storage,
		transport: transport,
		interval:  5 * time.Second,
		limit:     100,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Run flushes immediately and then on every interval tick until ctx is
// cancelled.
func (r *Retransmitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		sent, err := r.Flush(ctx)
		if err != nil {
			r.logger.Error("outbox flush failed", "error", err)
		} else if sent > 0 {
			r.logger.Info("outbox records retransmitted", "count", sent)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Flush performs one pass: fetch pending records, send each, mark the
// successes. A record whose send fails stays pending for the next pass.
// Returns the number sent.
func (r *Retransmitter) Flush(ctx context.Context) (int, error) {
	records, err := r.storage.Fetch(ctx, r.limit)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	sent := make([]uuid.UUID, 0, len(records))
	for _, record := range records {
		if ctx.Err() != nil {
			break
		}
		dest, err := r.transport.CreateDestination(ctx, record.Destination)
		if err != nil {
			r.logger.Warn("outbox destination unavailable", "destination", record.Destination, "error", err)
			continue
		}
		if err := r.transport.Send(ctx, dest, record.Body, record.Attributes); err != nil {
			r.logger.Warn("outbox send failed", "destination", record.Destination, "recordId", record.ID, "error", err)
			continue
		}
		sent = append(sent, record.ID)
	}

	if len(sent) > 0 {
		if err := r.storage.MarkSent(ctx, sent...); err != nil {
			return len(sent), err
		}
	}
	return len(sent), nil
}
