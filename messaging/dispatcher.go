package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/replyq/replyq-go/contracts"
	"github.com/replyq/replyq-go/internal/reliability"
)

// FallbackStore saves a send the transport rejected so it can be
// retransmitted later. The destination is the logical role name, resolved
// again at retransmission time. Used by one-way sends only; requests
// awaiting a response fail fast instead.
type FallbackStore interface {
	Save(ctx context.Context, destination string, body []byte, attributes map[string]string) error
}

// Dispatcher is the public sending side of the engine: it issues correlated
// requests and fire-and-forget messages to logical roles.
type Dispatcher struct {
	transport Transport
	manager   *DestinationManager

	ids      func() string
	cfg      Config
	logger   *slog.Logger
	diag     Diagnostics
	breaker  *reliability.Breaker
	fallback FallbackStore

	targetMu sync.RWMutex
	targets  map[string]Destination
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherConfig sets the default request timeout and related tuning.
func WithDispatcherConfig(cfg Config) DispatcherOption {
	return func(d *Dispatcher) {
		d.cfg = cfg.withDefaults()
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherDiagnostics sets the diagnostics sink.
func WithDispatcherDiagnostics(diag Diagnostics) DispatcherOption {
	return func(d *Dispatcher) {
		d.diag = diag
	}
}

// WithIDGenerator replaces the correlation id generator. The generator must
// produce ids unique within the lifetime of each reply destination.
func WithIDGenerator(generator func() string) DispatcherOption {
	return func(d *Dispatcher) {
		d.ids = generator
	}
}

// WithSendBreaker wraps transport sends in a circuit breaker.
func WithSendBreaker(breaker *reliability.Breaker) DispatcherOption {
	return func(d *Dispatcher) {
		d.breaker = breaker
	}
}

// WithFallbackStore stores failed one-way sends for retransmission instead of
// failing the caller.
func WithFallbackStore(store FallbackStore) DispatcherOption {
	return func(d *Dispatcher) {
		d.fallback = store
	}
}

// NewDispatcher creates a dispatcher sending over transport, with reply
// destinations owned by manager.
func NewDispatcher(transport Transport, manager *DestinationManager, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		transport: transport,
		manager:   manager,
		ids:       uuid.NewString,
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
		diag:      nopDiagnostics{},
		targets:   make(map[string]Destination),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// requestOptions holds per-call overrides.
type requestOptions struct {
	timeout    time.Duration
	attributes map[string]string
}

// RequestOption configures a single send.
type RequestOption func(*requestOptions)

// WithTimeout overrides the default request timeout for one call.
func WithTimeout(timeout time.Duration) RequestOption {
	return func(o *requestOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithAttribute attaches an extra attribute to the outgoing message. The
// correlation and reply-to attributes cannot be overridden.
func WithAttribute(name, value string) RequestOption {
	return func(o *requestOptions) {
		if o.attributes == nil {
			o.attributes = make(map[string]string)
		}
		o.attributes[name] = value
	}
}

// SendRequest sends payload to role and blocks until the correlated response
// arrives, the timeout passes, or ctx is cancelled. The pending entry is
// registered before the send so a response can never arrive unmatched.
func (d *Dispatcher) SendRequest(ctx context.Context, role string, payload []byte, options ...RequestOption) (*contracts.Message, error) {
	opts := requestOptions{timeout: d.cfg.DefaultTimeout}
	for _, opt := range options {
		opt(&opts)
	}

	rd, err := d.manager.Acquire(ctx, role)
	if err != nil {
		return nil, err
	}
	defer d.manager.Release(role)

	target, err := d.resolveTarget(ctx, role)
	if err != nil {
		return nil, err
	}

	correlationID := d.ids()
	pending, err := rd.Registry().Register(correlationID, time.Now().Add(opts.timeout))
	if err != nil {
		return nil, err
	}

	attrs := contracts.RequestAttributes(correlationID, rd.Destination().Addr)
	for name, value := range opts.attributes {
		if _, reserved := attrs[name]; !reserved {
			attrs[name] = value
		}
	}

	if err := d.send(ctx, target, payload, attrs); err != nil {
		pending.Cancel()
		d.recordSendFailure(role, correlationID, target.Addr, err)
		return nil, &SendError{
			Role:          role,
			Destination:   target.Addr,
			CorrelationID: correlationID,
			Err:           err,
			Timestamp:     time.Now(),
		}
	}
	d.logger.Debug("request sent",
		"role", role,
		"correlationId", correlationID,
		"replyTo", rd.Destination().Addr,
		"timeout", opts.timeout)

	response, err := pending.Await(ctx)
	if err != nil {
		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) {
			timeoutErr.Role = role
			d.logger.Warn("request timed out", "role", role, "correlationId", correlationID, "timeout", opts.timeout)
		}
		return nil, err
	}
	return response, nil
}

// SendOneWay sends payload to role without correlation or reply tracking.
// With a fallback store configured, a rejected send is saved for
// retransmission and the call succeeds.
func (d *Dispatcher) SendOneWay(ctx context.Context, role string, payload []byte, options ...RequestOption) error {
	opts := requestOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	target, err := d.resolveTarget(ctx, role)
	if err != nil {
		return err
	}

	if err := d.send(ctx, target, payload, opts.attributes); err != nil {
		d.recordSendFailure(role, "", target.Addr, err)
		if d.fallback != nil {
			if saveErr := d.fallback.Save(ctx, role, payload, opts.attributes); saveErr != nil {
				d.logger.Error("fallback save failed", "role", role, "error", saveErr)
			} else {
				d.logger.Warn("send failed, stored for retransmission", "role", role, "error", err)
				return nil
			}
		}
		return &SendError{Role: role, Destination: target.Addr, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// resolveTarget returns the request destination of role, creating or looking
// it up on first use and caching it afterwards.
func (d *Dispatcher) resolveTarget(ctx context.Context, role string) (Destination, error) {
	d.targetMu.RLock()
	target, ok := d.targets[role]
	d.targetMu.RUnlock()
	if ok {
		return target, nil
	}

	target, err := d.transport.CreateDestination(ctx, role)
	if err != nil {
		d.diag.Record(Event{
			Kind:      EventDestinationUnavailable,
			Role:      role,
			Err:       err,
			Timestamp: time.Now(),
		})
		return Destination{}, &DestinationError{Op: "resolve", Role: role, Err: err, Timestamp: time.Now()}
	}

	d.targetMu.Lock()
	d.targets[role] = target
	d.targetMu.Unlock()
	return target, nil
}

func (d *Dispatcher) send(ctx context.Context, dest Destination, body []byte, attributes map[string]string) error {
	if d.breaker == nil {
		return d.transport.Send(ctx, dest, body, attributes)
	}
	err := d.breaker.Execute(func() error {
		return d.transport.Send(ctx, dest, body, attributes)
	})
	if errors.Is(err, reliability.ErrCircuitOpen) {
		return fmt.Errorf("send to %s rejected: %w", dest.Addr, err)
	}
	return err
}

func (d *Dispatcher) recordSendFailure(role, correlationID, destination string, err error) {
	d.diag.Record(Event{
		Kind:          EventSendFailure,
		Role:          role,
		CorrelationID: correlationID,
		Destination:   destination,
		Err:           err,
		Timestamp:     time.Now(),
	})
}
