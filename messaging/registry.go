package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/replyq/replyq-go/contracts"
)

// entryState is the tagged state of a pending entry. An entry leaves pending
// exactly once, to resolved or expired; the transition functions below are the
// only code allowed to move it.
type entryState int

const (
	statePending entryState = iota
	stateResolved
	stateExpired
)

type pendingEntry struct {
	id        string
	createdAt time.Time
	deadline  time.Time
	state     entryState
	response  *contracts.Message
	ch        chan *contracts.Message // buffered, cap 1
}

// CorrelationRegistry maps correlation ids to pending-response slots. One
// registry exists per reply destination; it is shared by every dispatching
// goroutine of that destination and by its single poller.
type CorrelationRegistry struct {
	mu            sync.Mutex
	entries       map[string]*pendingEntry
	sweepInterval time.Duration
	lastSweep     time.Time
}

// RegistryOption configures a CorrelationRegistry.
type RegistryOption func(*CorrelationRegistry)

// WithRegistrySweepInterval sets how often registration opportunistically
// sweeps expired entries.
func WithRegistrySweepInterval(interval time.Duration) RegistryOption {
	return func(r *CorrelationRegistry) {
		if interval > 0 {
			r.sweepInterval = interval
		}
	}
}

// NewCorrelationRegistry creates an empty registry.
func NewCorrelationRegistry(options ...RegistryOption) *CorrelationRegistry {
	r := &CorrelationRegistry{
		entries:       make(map[string]*pendingEntry),
		sweepInterval: DefaultConfig().SweepInterval,
		lastSweep:     time.Now(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register inserts a pending entry for id and returns the handle the caller
// awaits on. Registering an id that is already present is a generation bug
// and fails with ErrDuplicateCorrelationID.
func (r *CorrelationRegistry) Register(id string, deadline time.Time) (*PendingRequest, error) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return nil, fmt.Errorf("register %q: %w", id, ErrDuplicateCorrelationID)
	}

	entry := &pendingEntry{
		id:        id,
		createdAt: now,
		deadline:  deadline,
		state:     statePending,
		ch:        make(chan *contracts.Message, 1),
	}
	r.entries[id] = entry

	if now.Sub(r.lastSweep) >= r.sweepInterval {
		r.sweepLocked(now)
		r.lastSweep = now
	}

	return &PendingRequest{
		ID:       id,
		Deadline: deadline,
		timeout:  deadline.Sub(now),
		registry: r,
		ch:       entry.ch,
	}, nil
}

// Resolve delivers a response to the entry registered under id. The first
// resolution wins; duplicate deliveries and responses for unknown, expired, or
// already-resolved ids return false and change nothing.
func (r *CorrelationRegistry) Resolve(id string, response *contracts.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok || entry.state != statePending {
		return false
	}
	entry.state = stateResolved
	entry.response = response
	entry.ch <- response // cap 1, written once per entry, never blocks
	return true
}

// SweepExpired removes entries whose deadline has passed and that no caller
// is going to consume. Returns the number of entries reclaimed.
func (r *CorrelationRegistry) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(time.Now())
}

func (r *CorrelationRegistry) sweepLocked(now time.Time) int {
	swept := 0
	for id, entry := range r.entries {
		if now.After(entry.deadline) {
			if entry.state == statePending {
				entry.state = stateExpired
			}
			delete(r.entries, id)
			swept++
		}
	}
	return swept
}

// Len returns the number of entries currently held.
func (r *CorrelationRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// remove drops the entry for id, if present.
func (r *CorrelationRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// expire transitions the entry for id out of pending and removes it. When a
// concurrent resolution already won, the resolved response is returned with
// expired=false so the caller can hand it out instead of a timeout.
func (r *CorrelationRegistry) expire(id string) (response *contracts.Message, expired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, true
	}
	delete(r.entries, id)
	if entry.state == stateResolved {
		return entry.response, false
	}
	entry.state = stateExpired
	return nil, true
}

// PendingRequest is the caller-side handle of one registered request.
type PendingRequest struct {
	// ID is the correlation id of the request.
	ID string

	// Deadline is when the request expires.
	Deadline time.Time

	timeout  time.Duration
	registry *CorrelationRegistry
	ch       <-chan *contracts.Message
}

// Await blocks until the request is resolved, the deadline passes, or ctx is
// cancelled, whichever happens first. The registry entry is always released
// before Await returns, so late or duplicate responses never leak.
func (p *PendingRequest) Await(ctx context.Context) (*contracts.Message, error) {
	timer := time.NewTimer(time.Until(p.Deadline))
	defer timer.Stop()

	select {
	case response := <-p.ch:
		p.registry.remove(p.ID)
		return response, nil
	case <-timer.C:
		// The poller may have resolved concurrently with the timer
		// firing; a buffered response still wins over the timeout.
		if response, expired := p.registry.expire(p.ID); !expired {
			return response, nil
		}
		return nil, &TimeoutError{
			CorrelationID: p.ID,
			Timeout:       p.timeout,
			Timestamp:     time.Now(),
		}
	case <-ctx.Done():
		if response, expired := p.registry.expire(p.ID); !expired {
			return response, nil
		}
		return nil, fmt.Errorf("await %s: %w", p.ID, ctx.Err())
	}
}

// Cancel releases the registry entry without awaiting it. Used when the send
// that followed registration failed.
func (p *PendingRequest) Cancel() {
	p.registry.remove(p.ID)
}
