package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// destState is the lifecycle state of one role's reply destination. All
// transitions happen under the manager lock.
type destState int

const (
	destCreating destState = iota
	destActive
	destDraining
)

// RoleDestination is the live reply destination of one producer role: the
// transport destination, the correlation registry owned by it, and the poller
// draining it.
type RoleDestination struct {
	role     string
	state    destState
	refs     int
	dest     Destination
	registry *CorrelationRegistry
	poller   *ReplyPoller

	ready         chan struct{} // closed once creation settled
	createErr     error
	graceTimer    *time.Timer
	stopHeartbeat chan struct{}
}

// Role returns the producer role this destination belongs to.
func (rd *RoleDestination) Role() string { return rd.role }

// Destination returns the transport destination responses arrive on.
func (rd *RoleDestination) Destination() Destination { return rd.dest }

// Registry returns the correlation registry owned by this destination.
func (rd *RoleDestination) Registry() *CorrelationRegistry { return rd.registry }

// ReplyPrefix returns the destination-name prefix shared by all reply
// destinations of role. The idle sweeper matches on it.
func ReplyPrefix(role string) string {
	return role + "-reply-"
}

// DestinationManager owns one reply destination per producer role. The first
// acquisition of a role creates the destination and starts its poller; later
// acquisitions share it. A release that drops the reference count to zero arms
// a grace timer, and only its expiry tears the destination down, so bursty
// acquire/release churn does not recreate destinations.
type DestinationManager struct {
	mu     sync.Mutex
	roles  map[string]*RoleDestination
	closed bool

	transport Transport
	cfg       Config
	logger    *slog.Logger
	diag      Diagnostics
	wg        sync.WaitGroup
}

// ManagerOption configures a DestinationManager.
type ManagerOption func(*DestinationManager)

// WithManagerConfig sets the tuning surface of the manager and its pollers.
func WithManagerConfig(cfg Config) ManagerOption {
	return func(m *DestinationManager) {
		m.cfg = cfg.withDefaults()
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *DestinationManager) {
		m.logger = logger
	}
}

// WithManagerDiagnostics sets the diagnostics sink.
func WithManagerDiagnostics(diag Diagnostics) ManagerOption {
	return func(m *DestinationManager) {
		m.diag = diag
	}
}

// NewDestinationManager creates a manager on top of transport.
func NewDestinationManager(transport Transport, options ...ManagerOption) *DestinationManager {
	m := &DestinationManager{
		roles:     make(map[string]*RoleDestination),
		transport: transport,
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
		diag:      nopDiagnostics{},
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Acquire returns the reply destination for role, creating it on first use
// and incrementing its reference count. Every successful Acquire must be
// paired with a Release; a failed Acquire must not be.
func (m *DestinationManager) Acquire(ctx context.Context, role string) (*RoleDestination, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("acquire reply destination for role %s: %w", role, ErrClosed)
	}

	rd, ok := m.roles[role]
	if !ok {
		rd = &RoleDestination{
			role:     role,
			state:    destCreating,
			refs:     1,
			ready:    make(chan struct{}),
			registry: NewCorrelationRegistry(WithRegistrySweepInterval(m.cfg.SweepInterval)),
		}
		m.roles[role] = rd
		m.mu.Unlock()
		m.create(ctx, rd)
		return m.settle(ctx, rd)
	}

	switch rd.state {
	case destCreating:
		rd.refs++
		m.mu.Unlock()
		return m.settle(ctx, rd)
	case destDraining:
		rd.graceTimer.Stop()
		rd.graceTimer = nil
		rd.state = destActive
		rd.refs = 1
		m.mu.Unlock()
		m.logger.Debug("reply destination revived from draining", "role", role)
		return rd, nil
	default: // destActive
		rd.refs++
		m.mu.Unlock()
		return rd, nil
	}
}

// settle waits for rd's creation to finish and reports its outcome.
func (m *DestinationManager) settle(ctx context.Context, rd *RoleDestination) (*RoleDestination, error) {
	select {
	case <-rd.ready:
	case <-ctx.Done():
		m.releaseRD(rd)
		return nil, fmt.Errorf("acquire reply destination for role %s: %w", rd.role, ctx.Err())
	}
	if rd.createErr != nil {
		return nil, &DestinationError{
			Op:        "create",
			Role:      rd.role,
			Err:       rd.createErr,
			Timestamp: time.Now(),
		}
	}
	return rd, nil
}

// create runs the transport call outside the manager lock, then finalizes the
// state machine under it.
func (m *DestinationManager) create(ctx context.Context, rd *RoleDestination) {
	name := ReplyPrefix(rd.role) + uuid.NewString()
	dest, err := m.transport.CreateDestination(ctx, name)

	m.mu.Lock()
	if err != nil {
		rd.createErr = err
		if m.roles[rd.role] == rd {
			delete(m.roles, rd.role)
		}
		m.mu.Unlock()
		close(rd.ready)
		m.diag.Record(Event{
			Kind:      EventDestinationUnavailable,
			Role:      rd.role,
			Err:       err,
			Timestamp: time.Now(),
		})
		m.logger.Error("reply destination creation failed", "role", rd.role, "error", err)
		return
	}

	if m.roles[rd.role] != rd {
		// The manager closed while creation was in flight. Undo the
		// transport-side create instead of starting a poller nothing owns.
		rd.createErr = ErrClosed
		m.mu.Unlock()
		close(rd.ready)
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if derr := m.transport.DeleteDestination(cleanupCtx, dest); derr != nil {
			m.logger.Warn("orphaned reply destination delete failed", "destination", dest.Addr, "error", derr)
		}
		return
	}

	rd.dest = dest
	rd.state = destActive
	rd.poller = NewReplyPoller(m.transport, dest, rd.registry,
		WithPollerRole(rd.role),
		WithPollerConfig(m.cfg),
		WithPollerLogger(m.logger),
		WithPollerDiagnostics(m.diag),
	)
	rd.poller.Start()
	if hb, ok := m.transport.(Heartbeater); ok {
		rd.stopHeartbeat = make(chan struct{})
		m.wg.Add(1)
		go m.heartbeatLoop(hb, rd)
	}
	if rd.refs == 0 {
		// Every acquirer gave up while creation was in flight.
		m.drainLocked(rd)
	}
	m.mu.Unlock()
	close(rd.ready)
	m.logger.Info("reply destination created", "role", rd.role, "destination", dest.Addr)
}

// Release decrements role's reference count. At zero the destination enters
// draining and is torn down once the grace period passes without a new
// acquisition.
func (m *DestinationManager) Release(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rd, ok := m.roles[role]
	if !ok {
		return
	}
	m.releaseLocked(rd)
}

// releaseRD decrements rd directly, ignoring it when the role entry has been
// superseded (creation failed and a later Acquire rebuilt it).
func (m *DestinationManager) releaseRD(rd *RoleDestination) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roles[rd.role] != rd {
		return
	}
	m.releaseLocked(rd)
}

func (m *DestinationManager) releaseLocked(rd *RoleDestination) {
	if rd.refs > 0 {
		rd.refs--
	}
	if rd.refs == 0 && rd.state == destActive {
		m.drainLocked(rd)
	}
}

// drainLocked arms the grace timer. Caller holds the manager lock.
func (m *DestinationManager) drainLocked(rd *RoleDestination) {
	rd.state = destDraining
	rd.graceTimer = time.AfterFunc(m.cfg.TeardownGrace, func() {
		m.teardown(rd)
	})
	m.logger.Debug("reply destination draining", "role", rd.role, "grace", m.cfg.TeardownGrace)
}

// teardown removes rd if it is still the draining owner of its role, then
// shuts it down. A revival that raced the timer wins.
func (m *DestinationManager) teardown(rd *RoleDestination) {
	m.mu.Lock()
	if m.roles[rd.role] != rd || rd.state != destDraining {
		m.mu.Unlock()
		return
	}
	delete(m.roles, rd.role)
	m.mu.Unlock()
	m.shutdown(rd)
}

// shutdown stops rd's poller and heartbeat and deletes the destination.
func (m *DestinationManager) shutdown(rd *RoleDestination) {
	if rd.stopHeartbeat != nil {
		close(rd.stopHeartbeat)
	}
	if rd.poller != nil {
		rd.poller.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.transport.DeleteDestination(ctx, rd.dest); err != nil {
		m.diag.Record(Event{
			Kind:        EventDestinationUnavailable,
			Role:        rd.role,
			Destination: rd.dest.Addr,
			Err:         err,
			Timestamp:   time.Now(),
		})
		m.logger.Warn("reply destination delete failed", "role", rd.role, "destination", rd.dest.Addr, "error", err)
		return
	}
	m.logger.Info("reply destination deleted", "role", rd.role, "destination", rd.dest.Addr)
}

// heartbeatLoop refreshes rd's liveness marker until shutdown.
func (m *DestinationManager) heartbeatLoop(hb Heartbeater, rd *RoleDestination) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rd.stopHeartbeat:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := hb.Heartbeat(ctx, rd.dest); err != nil {
				m.logger.Warn("reply destination heartbeat failed", "role", rd.role, "error", err)
			}
			cancel()
		}
	}
}

// ActiveRoles returns the roles that currently hold a live destination,
// including ones in their teardown grace period.
func (m *DestinationManager) ActiveRoles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	roles := make([]string, 0, len(m.roles))
	for role := range m.roles {
		roles = append(roles, role)
	}
	return roles
}

// Close tears down every destination immediately, skipping grace periods.
// The manager rejects acquisitions afterwards.
func (m *DestinationManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var victims []*RoleDestination
	for role, rd := range m.roles {
		if rd.graceTimer != nil {
			rd.graceTimer.Stop()
		}
		if rd.state == destCreating {
			// Creation finalizes against a deleted role entry and the
			// creator's acquire fails; nothing to shut down yet.
			delete(m.roles, role)
			continue
		}
		delete(m.roles, role)
		victims = append(victims, rd)
	}
	m.mu.Unlock()

	for _, rd := range victims {
		m.shutdown(rd)
	}
	m.wg.Wait()
	return nil
}
