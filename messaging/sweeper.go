package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// IdleSweeper deletes reply destinations whose heartbeat has gone stale.
// Reply destinations are per-process; a crashed process leaks its destination
// on the transport, and only the heartbeat tells a leaked destination from a
// live one exposed to a quiet period.
type IdleSweeper struct {
	transport Transport
	inspector Inspector

	prefix      string
	ttl         time.Duration
	interval    time.Duration
	maxPerCycle int
	logger      *slog.Logger
}

// SweeperOption configures an IdleSweeper.
type SweeperOption func(*IdleSweeper)

// WithSweeperTTL sets how stale a heartbeat must be before the destination is
// deleted. Must exceed the heartbeat interval of live processes.
func WithSweeperTTL(ttl time.Duration) SweeperOption {
	return func(s *IdleSweeper) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSweeperInterval sets how often Run performs a sweep.
func WithSweeperInterval(interval time.Duration) SweeperOption {
	return func(s *IdleSweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSweeperLimit caps deletions per sweep cycle.
func WithSweeperLimit(n int) SweeperOption {
	return func(s *IdleSweeper) {
		if n > 0 {
			s.maxPerCycle = n
		}
	}
}

// WithSweeperLogger sets the logger.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *IdleSweeper) {
		s.logger = logger
	}
}

// NewIdleSweeper creates a sweeper over destinations whose name starts with
// prefix. The transport must implement Inspector.
func NewIdleSweeper(transport Transport, prefix string, options ...SweeperOption) (*IdleSweeper, error) {
	inspector, ok := transport.(Inspector)
	if !ok {
		return nil, fmt.Errorf("transport %T does not support destination inspection", transport)
	}
	s := &IdleSweeper{
		transport:   transport,
		inspector:   inspector,
		prefix:      prefix,
		ttl:         5 * time.Minute,
		interval:    time.Minute,
		maxPerCycle: 200,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Run sweeps immediately and then on every interval tick until ctx is
// cancelled.
func (s *IdleSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		swept, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("destination sweep failed", "prefix", s.prefix, "error", err)
		} else if swept > 0 {
			s.logger.Info("idle destinations deleted", "prefix", s.prefix, "count", swept)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass: list destinations under the prefix, read each
// heartbeat, delete the stale ones. Returns the number deleted.
func (s *IdleSweeper) Sweep(ctx context.Context) (int, error) {
	destinations, err := s.inspector.ListDestinations(ctx, s.prefix)
	if err != nil {
		return 0, fmt.Errorf("list destinations %q: %w", s.prefix, err)
	}

	deleted := 0
	for _, dest := range destinations {
		if deleted >= s.maxPerCycle {
			break
		}
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}

		heartbeat, err := s.inspector.LastHeartbeat(ctx, dest)
		if err != nil {
			s.logger.Warn("heartbeat lookup failed", "destination", dest.Addr, "error", err)
			continue
		}
		// A destination with no heartbeat at all was created by a client
		// that never got to tag it; treat it as stale.
		if !heartbeat.IsZero() && time.Since(heartbeat) <= s.ttl {
			continue
		}

		if err := s.transport.DeleteDestination(ctx, dest); err != nil {
			s.logger.Warn("idle destination delete failed", "destination", dest.Addr, "error", err)
			continue
		}
		s.logger.Debug("idle destination deleted", "destination", dest.Addr, "lastHeartbeat", heartbeat)
		deleted++
	}
	return deleted, nil
}
