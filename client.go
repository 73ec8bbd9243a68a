// Copyright 2025 ReplyQ Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package replyq

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/replyq/replyq-go/contracts"
	"github.com/replyq/replyq-go/internal/reliability"
	"github.com/replyq/replyq-go/messaging"
)

// Client is the main entry point: one value wiring the dispatcher, reply
// destination manager, and responder over a single transport.
type Client struct {
	transport  messaging.Transport
	manager    *messaging.DestinationManager
	dispatcher *messaging.Dispatcher
	responder  *messaging.Responder
	cfg        messaging.Config
	logger     *slog.Logger
	diag       messaging.Diagnostics

	mu      sync.Mutex
	pins    map[string]int
	servers []*messaging.Server
	closed  bool
}

// clientConfig holds client construction settings.
type clientConfig struct {
	cfg      messaging.Config
	logger   *slog.Logger
	diag     messaging.Diagnostics
	fallback messaging.FallbackStore
	breaker  *reliability.Breaker
	ids      func() string
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithConfig sets the timing and batching surface shared by all components.
func WithConfig(cfg messaging.Config) ClientOption {
	return func(c *clientConfig) {
		c.cfg = cfg
	}
}

// WithLogger sets the logger for all components.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithDiagnostics sets the diagnostics sink for all components.
func WithDiagnostics(diag messaging.Diagnostics) ClientOption {
	return func(c *clientConfig) {
		c.diag = diag
	}
}

// WithFallback stores one-way sends the transport rejected for later
// retransmission instead of failing the caller.
func WithFallback(store messaging.FallbackStore) ClientOption {
	return func(c *clientConfig) {
		c.fallback = store
	}
}

// WithSendBreaker puts a circuit breaker in front of transport sends, so a
// dead transport fails requests fast instead of on every timeout.
func WithSendBreaker() ClientOption {
	return func(c *clientConfig) {
		c.breaker = reliability.NewBreaker(reliability.DefaultBreakerConfig("replyq-send"))
	}
}

// WithIDGenerator overrides correlation id generation. Ids must be unique
// among concurrently pending requests of one role.
func WithIDGenerator(generator func() string) ClientOption {
	return func(c *clientConfig) {
		c.ids = generator
	}
}

// NewClient creates a client on top of transport.
func NewClient(transport messaging.Transport, options ...ClientOption) *Client {
	cfg := &clientConfig{
		cfg:    messaging.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	managerOpts := []messaging.ManagerOption{
		messaging.WithManagerConfig(cfg.cfg),
		messaging.WithManagerLogger(cfg.logger),
	}
	dispatcherOpts := []messaging.DispatcherOption{
		messaging.WithDispatcherConfig(cfg.cfg),
		messaging.WithDispatcherLogger(cfg.logger),
	}
	responderOpts := []messaging.ResponderOption{
		messaging.WithResponderLogger(cfg.logger),
	}
	if cfg.diag != nil {
		managerOpts = append(managerOpts, messaging.WithManagerDiagnostics(cfg.diag))
		dispatcherOpts = append(dispatcherOpts, messaging.WithDispatcherDiagnostics(cfg.diag))
		responderOpts = append(responderOpts, messaging.WithResponderDiagnostics(cfg.diag))
	}
	if cfg.fallback != nil {
		dispatcherOpts = append(dispatcherOpts, messaging.WithFallbackStore(cfg.fallback))
	}
	if cfg.breaker != nil {
		dispatcherOpts = append(dispatcherOpts, messaging.WithSendBreaker(cfg.breaker))
	}
	if cfg.ids != nil {
		dispatcherOpts = append(dispatcherOpts, messaging.WithIDGenerator(cfg.ids))
	}

	manager := messaging.NewDestinationManager(transport, managerOpts...)
	return &Client{
		transport:  transport,
		manager:    manager,
		dispatcher: messaging.NewDispatcher(transport, manager, dispatcherOpts...),
		responder:  messaging.NewResponder(transport, responderOpts...),
		cfg:        cfg.cfg,
		logger:     cfg.logger,
		diag:       cfg.diag,
		pins:       make(map[string]int),
	}
}

// SendRequest sends payload to role and blocks until the correlated response
// arrives, the timeout passes, or ctx is cancelled.
func (c *Client) SendRequest(ctx context.Context, role string, payload []byte, options ...messaging.RequestOption) (*contracts.Message, error) {
	return c.dispatcher.SendRequest(ctx, role, payload, options...)
}

// SendOneWay sends payload to role without awaiting a response.
func (c *Client) SendOneWay(ctx context.Context, role string, payload []byte, options ...messaging.RequestOption) error {
	return c.dispatcher.SendOneWay(ctx, role, payload, options...)
}

// Reply sends payload back to the requester of an inbound message.
func (c *Client) Reply(ctx context.Context, request *contracts.Message, payload []byte, options ...messaging.RequestOption) error {
	return c.responder.Reply(ctx, request, payload, options...)
}

// StartRole pins role's reply destination open, so the first request does not
// pay destination creation latency and idle periods do not tear it down.
// Calls nest; each must be matched by StopRole.
func (c *Client) StartRole(ctx context.Context, role string) error {
	if _, err := c.manager.Acquire(ctx, role); err != nil {
		return err
	}
	c.mu.Lock()
	c.pins[role]++
	c.mu.Unlock()
	return nil
}

// StopRole releases a StartRole pin. The destination is torn down once no
// pins or in-flight requests remain and the grace period passes.
func (c *Client) StopRole(role string) {
	c.mu.Lock()
	if c.pins[role] == 0 {
		c.mu.Unlock()
		return
	}
	c.pins[role]--
	if c.pins[role] == 0 {
		delete(c.pins, role)
	}
	c.mu.Unlock()
	c.manager.Release(role)
}

// Serve consumes role's request destination with handler until Close or the
// returned server's Stop. The handler's returned payload is sent back to the
// requester when the message is a correlated request.
func (c *Client) Serve(ctx context.Context, role string, handler messaging.Handler, options ...messaging.ServerOption) (*messaging.Server, error) {
	opts := []messaging.ServerOption{
		messaging.WithServerConfig(c.cfg),
		messaging.WithServerLogger(c.logger),
	}
	if c.diag != nil {
		opts = append(opts, messaging.WithServerDiagnostics(c.diag))
	}
	opts = append(opts, options...)
	server := messaging.NewServer(c.transport, role, handler, opts...)
	if err := server.Start(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		server.Stop()
		return nil, fmt.Errorf("serve role %s: %w", role, messaging.ErrClosed)
	}
	c.servers = append(c.servers, server)
	c.mu.Unlock()
	return server, nil
}

// Transport returns the underlying transport.
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Dispatcher returns the request dispatcher.
func (c *Client) Dispatcher() *messaging.Dispatcher {
	return c.dispatcher
}

// Responder returns the responder.
func (c *Client) Responder() *messaging.Responder {
	return c.responder
}

// Manager returns the reply destination manager.
func (c *Client) Manager() *messaging.DestinationManager {
	return c.manager
}

// Close stops every server, tears down all reply destinations, and closes the
// transport when it is closable. In-flight requests fail.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	servers := c.servers
	c.servers = nil
	c.pins = make(map[string]int)
	c.mu.Unlock()

	for _, server := range servers {
		server.Stop()
	}
	err := c.manager.Close()
	if closer, ok := c.transport.(io.Closer); ok {
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
