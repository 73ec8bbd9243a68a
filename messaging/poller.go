package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/replyq/replyq-go/contracts"
	"github.com/replyq/replyq-go/internal/reliability"
)

// ReplyPoller drains one reply destination and routes each response to its
// waiting caller through the correlation registry. Exactly one poller runs per
// active reply destination; it never blocks on callers and never terminates on
// transport errors.
type ReplyPoller struct {
	transport Transport
	dest      Destination
	registry  *CorrelationRegistry

	role    string
	cfg     Config
	logger  *slog.Logger
	diag    Diagnostics
	backoff *reliability.Backoff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// PollerOption configures a ReplyPoller.
type PollerOption func(*ReplyPoller)

// WithPollerRole sets the role name used in log and diagnostics events.
func WithPollerRole(role string) PollerOption {
	return func(p *ReplyPoller) {
		p.role = role
	}
}

// WithPollerConfig sets the polling cadence, batch size, long-poll wait, and
// visibility timeout.
func WithPollerConfig(cfg Config) PollerOption {
	return func(p *ReplyPoller) {
		p.cfg = cfg.withDefaults()
	}
}

// WithPollerLogger sets the logger.
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *ReplyPoller) {
		p.logger = logger
	}
}

// WithPollerDiagnostics sets the diagnostics sink.
func WithPollerDiagnostics(diag Diagnostics) PollerOption {
	return func(p *ReplyPoller) {
		p.diag = diag
	}
}

// WithPollerBackoff sets the receive-failure backoff policy.
func WithPollerBackoff(policy reliability.Policy) PollerOption {
	return func(p *ReplyPoller) {
		p.backoff = reliability.NewBackoff(policy)
	}
}

// NewReplyPoller creates a poller for dest that resolves responses against
// registry. Call Start to begin draining.
func NewReplyPoller(transport Transport, dest Destination, registry *CorrelationRegistry, options ...PollerOption) *ReplyPoller {
	ctx, cancel := context.WithCancel(context.Background())
	p := &ReplyPoller{
		transport: transport,
		dest:      dest,
		registry:  registry,
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
		diag:      nopDiagnostics{},
		backoff:   reliability.NewBackoff(reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, 0)),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Start launches the polling goroutine. Subsequent calls are no-ops.
func (p *ReplyPoller) Start() {
	p.once.Do(func() {
		p.wg.Add(1)
		go p.run()
	})
}

// Stop aborts the in-flight receive and waits for the loop to exit.
func (p *ReplyPoller) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *ReplyPoller) run() {
	defer p.wg.Done()
	p.logger.Debug("reply poller started", "role", p.role, "destination", p.dest.Addr)

	for {
		if p.ctx.Err() != nil {
			p.logger.Debug("reply poller stopped", "role", p.role, "destination", p.dest.Addr)
			return
		}

		messages, err := p.transport.Receive(p.ctx, p.dest, ReceiveOptions{
			MaxMessages:       p.cfg.MaxBatch,
			WaitTime:          p.cfg.LongPollWait,
			VisibilityTimeout: p.cfg.VisibilityTimeout,
		})
		if err != nil {
			if p.ctx.Err() != nil {
				p.logger.Debug("reply poller stopped", "role", p.role, "destination", p.dest.Addr)
				return
			}
			delay := p.backoff.Next()
			p.diag.Record(Event{
				Kind:        EventReceiveFailure,
				Role:        p.role,
				Destination: p.dest.Addr,
				Err:         err,
				Timestamp:   time.Now(),
			})
			p.logger.Error("reply receive failed",
				"role", p.role,
				"destination", p.dest.Addr,
				"attempt", p.backoff.Attempt(),
				"retryIn", delay,
				"error", err)
			p.sleep(delay)
			continue
		}
		p.backoff.Reset()

		for _, msg := range messages {
			p.dispatch(msg)
		}
		p.registry.SweepExpired()

		if len(messages) == 0 {
			p.sleep(p.cfg.PollInterval)
		}
	}
}

// dispatch routes one received message. Every branch acknowledges: resolved
// responses are consumed, unmatched and malformed ones are deliberately
// discarded rather than left to redeliver forever.
func (p *ReplyPoller) dispatch(msg *contracts.Message) {
	correlationID := msg.CorrelationID()
	if correlationID == "" {
		p.diag.Record(Event{
			Kind:        EventMalformedMessage,
			Role:        p.role,
			Destination: p.dest.Addr,
			Err:         &MalformedError{Missing: contracts.CorrelationIDAttribute, MessageID: msg.ID, Inbound: true},
			Timestamp:   time.Now(),
		})
		p.logger.Warn("discarding response without correlation id",
			"role", p.role,
			"destination", p.dest.Addr,
			"messageId", msg.ID)
		p.acknowledge(msg)
		return
	}

	if p.registry.Resolve(correlationID, msg) {
		p.logger.Debug("response resolved", "role", p.role, "correlationId", correlationID)
		p.acknowledge(msg)
		return
	}

	// No waiter: already resolved, expired, or a duplicate delivery.
	// Expected under at-least-once transports.
	p.diag.Record(Event{
		Kind:          EventUnmatchedResponse,
		Role:          p.role,
		CorrelationID: correlationID,
		Destination:   p.dest.Addr,
		Timestamp:     time.Now(),
	})
	p.logger.Debug("discarding unmatched response", "role", p.role, "correlationId", correlationID)
	p.acknowledge(msg)
}

// acknowledge deletes msg from the transport. On failure the message is left
// for redelivery; the registry's first-wins resolve absorbs the duplicate.
func (p *ReplyPoller) acknowledge(msg *contracts.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.transport.Acknowledge(ctx, msg); err != nil {
		p.diag.Record(Event{
			Kind:          EventAckFailure,
			Role:          p.role,
			CorrelationID: msg.CorrelationID(),
			Destination:   p.dest.Addr,
			Err:           err,
			Timestamp:     time.Now(),
		})
		p.logger.Warn("acknowledge failed, message will redeliver",
			"role", p.role,
			"correlationId", msg.CorrelationID(),
			"error", err)
	}
}

func (p *ReplyPoller) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.ctx.Done():
	}
}
