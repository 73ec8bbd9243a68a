package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/replyq/replyq-go/contracts"
	"github.com/replyq/replyq-go/internal/reliability"
)

// Handler processes one inbound message. A non-nil returned payload is sent
// back to the requester when the message carries reply metadata. A returned
// error leaves the message unacknowledged so the transport redelivers it.
type Handler interface {
	Handle(ctx context.Context, msg *contracts.Message) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *contracts.Message) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *contracts.Message) ([]byte, error) {
	return f(ctx, msg)
}

// Server consumes a role's request destination, dispatches each message to a
// handler, and replies automatically when the handler returns a payload for a
// correlated request.
type Server struct {
	transport Transport
	responder *Responder
	role      string
	handler   Handler

	concurrency int
	cfg         Config
	logger      *slog.Logger
	diag        Diagnostics
	backoff     *reliability.Backoff

	mu      sync.Mutex
	started bool
	dest    Destination
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerConfig sets the polling cadence, batch size, long-poll wait, and
// visibility timeout.
func WithServerConfig(cfg Config) ServerOption {
	return func(s *Server) {
		s.cfg = cfg.withDefaults()
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerDiagnostics sets the diagnostics sink.
func WithServerDiagnostics(diag Diagnostics) ServerOption {
	return func(s *Server) {
		s.diag = diag
	}
}

// WithServerConcurrency bounds how many handlers of one batch run in
// parallel. Defaults to 1 (sequential).
func WithServerConcurrency(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithServerBackoff sets the receive-failure backoff policy.
func WithServerBackoff(policy reliability.Policy) ServerOption {
	return func(s *Server) {
		s.backoff = reliability.NewBackoff(policy)
	}
}

// NewServer creates a server consuming role's request destination with
// handler. Call Start to begin.
func NewServer(transport Transport, role string, handler Handler, options ...ServerOption) *Server {
	s := &Server{
		transport:   transport,
		role:        role,
		handler:     handler,
		concurrency: 1,
		cfg:         DefaultConfig(),
		logger:      slog.Default(),
		diag:        nopDiagnostics{},
		backoff:     reliability.NewBackoff(reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, 0)),
	}
	for _, opt := range options {
		opt(s)
	}
	s.responder = NewResponder(transport,
		WithResponderLogger(s.logger),
		WithResponderDiagnostics(s.diag),
	)
	return s
}

// Start resolves the role's request destination (create-or-get) and launches
// the consume loop. The loop stops when ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("server for role %s already started", s.role)
	}

	dest, err := s.transport.CreateDestination(ctx, s.role)
	if err != nil {
		s.diag.Record(Event{
			Kind:      EventDestinationUnavailable,
			Role:      s.role,
			Err:       err,
			Timestamp: time.Now(),
		})
		return &DestinationError{Op: "create", Role: s.role, Err: err, Timestamp: time.Now()}
	}
	s.dest = dest

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.wg.Add(1)
	go s.run(loopCtx)
	s.logger.Info("request server started", "role", s.role, "destination", dest.Addr, "concurrency", s.concurrency)
	return nil
}

// Stop aborts the in-flight receive and waits for running handlers to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Server) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			s.logger.Info("request server stopped", "role", s.role)
			return
		}

		messages, err := s.transport.Receive(ctx, s.dest, ReceiveOptions{
			MaxMessages:       s.cfg.MaxBatch,
			WaitTime:          s.cfg.LongPollWait,
			VisibilityTimeout: s.cfg.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("request server stopped", "role", s.role)
				return
			}
			delay := s.backoff.Next()
			s.diag.Record(Event{
				Kind:        EventReceiveFailure,
				Role:        s.role,
				Destination: s.dest.Addr,
				Err:         err,
				Timestamp:   time.Now(),
			})
			s.logger.Error("request receive failed", "role", s.role, "retryIn", delay, "error", err)
			s.sleep(ctx, delay)
			continue
		}
		s.backoff.Reset()

		group := new(errgroup.Group)
		group.SetLimit(s.concurrency)
		for _, msg := range messages {
			group.Go(func() error {
				s.process(ctx, msg)
				return nil
			})
		}
		_ = group.Wait()

		if len(messages) == 0 {
			s.sleep(ctx, s.cfg.PollInterval)
		}
	}
}

// process runs the handler for one message. The message is acknowledged only
// after the handler, and any required reply, succeeded; otherwise it stays on
// the destination and redelivers after the visibility timeout.
func (s *Server) process(ctx context.Context, msg *contracts.Message) {
	payload, err := s.handler.Handle(ctx, msg)
	if err != nil {
		s.logger.Error("handler failed, leaving message for redelivery",
			"role", s.role,
			"messageId", msg.ID,
			"correlationId", msg.CorrelationID(),
			"error", err)
		return
	}

	if payload != nil {
		if msg.IsRequest() {
			if err := s.responder.Reply(ctx, msg, payload); err != nil {
				s.logger.Error("reply failed, leaving request for redelivery",
					"role", s.role,
					"correlationId", msg.CorrelationID(),
					"error", err)
				return
			}
		} else {
			s.logger.Debug("dropping response payload for one-way message",
				"role", s.role,
				"messageId", msg.ID)
		}
	}

	s.acknowledge(msg)
}

func (s *Server) acknowledge(msg *contracts.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.transport.Acknowledge(ctx, msg); err != nil {
		s.diag.Record(Event{
			Kind:          EventAckFailure,
			Role:          s.role,
			CorrelationID: msg.CorrelationID(),
			Destination:   s.dest.Addr,
			Err:           err,
			Timestamp:     time.Now(),
		})
		s.logger.Warn("acknowledge failed, message will redeliver", "role", s.role, "messageId", msg.ID, "error", err)
	}
}

func (s *Server) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
