// Package rabbitmq implements the Transport interface on RabbitMQ. Queues are
// destinations, the native CorrelationId and ReplyTo properties carry the
// correlation metadata, and delivery tags drive acknowledgment.
//
// RabbitMQ has no visibility timeout: an unacknowledged message redelivers
// when its consumer channel closes, so ReceiveOptions.VisibilityTimeout is
// ignored. Reply queues are best declared with an expiry (WithQueueExpiry) so
// the broker itself reclaims queues abandoned by crashed requesters.
package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/replyq/replyq-go/contracts"
	"github.com/replyq/replyq-go/messaging"
)

const maxIdleChannels = 8

var _ messaging.Transport = (*Transport)(nil)

// consumer is one live subscription to a queue. Deliveries buffer in the
// channel returned by Consume, bounded by the prefetch count.
type consumer struct {
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
}

// Transport sends and receives through a RabbitMQ broker.
type Transport struct {
	url string

	mu        sync.Mutex
	conn      *amqp.Connection
	consumers map[string]*consumer
	pending   map[string]map[uint64]amqp.Delivery // queue -> delivery tag
	pubPool   []*amqp.Channel
	queueArgs amqp.Table
	prefetch  int
	closed    bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithQueueExpiry declares queues with an x-expires argument so the broker
// deletes them after sitting unused for ttl.
func WithQueueExpiry(ttl time.Duration) Option {
	return func(t *Transport) {
		if t.queueArgs == nil {
			t.queueArgs = make(amqp.Table)
		}
		t.queueArgs["x-expires"] = ttl.Milliseconds()
	}
}

// WithQueueArgs sets extra arguments for every queue this transport declares.
func WithQueueArgs(args amqp.Table) Option {
	return func(t *Transport) {
		if t.queueArgs == nil {
			t.queueArgs = make(amqp.Table)
		}
		for k, v := range args {
			t.queueArgs[k] = v
		}
	}
}

// WithPrefetch bounds how many unacknowledged deliveries each consumer holds.
// Defaults to 10.
func WithPrefetch(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.prefetch = n
		}
	}
}

// Dial connects to the broker at url.
func Dial(url string, options ...Option) (*Transport, error) {
	t := &Transport{
		url:       url,
		consumers: make(map[string]*consumer),
		pending:   make(map[string]map[uint64]amqp.Delivery),
		prefetch:  10,
	}
	for _, opt := range options {
		opt(t)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial %s: %w", url, err)
	}
	t.conn = conn
	return t, nil
}

// CreateDestination declares the named durable queue, or returns the existing
// one. Queue declaration is idempotent for matching arguments.
func (t *Transport) CreateDestination(_ context.Context, name string) (messaging.Destination, error) {
	ch, err := t.getChannel()
	if err != nil {
		return messaging.Destination{}, fmt.Errorf("rabbitmq: declare queue %q: %w", name, err)
	}
	_, err = ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		t.queueArgs,
	)
	if err != nil {
		ch.Close()
		return messaging.Destination{}, fmt.Errorf("rabbitmq: declare queue %q: %w", name, err)
	}
	t.putChannel(ch)
	return messaging.Destination{Name: name, Addr: name}, nil
}

// DeleteDestination deletes the queue and invalidates any local consumer and
// unacknowledged receipts for it.
func (t *Transport) DeleteDestination(_ context.Context, dest messaging.Destination) error {
	t.dropConsumer(dest.Name)

	ch, err := t.getChannel()
	if err != nil {
		return fmt.Errorf("rabbitmq: delete queue %q: %w", dest.Name, err)
	}
	if _, err := ch.QueueDelete(dest.Name, false, false, false); err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq: delete queue %q: %w", dest.Name, err)
	}
	t.putChannel(ch)
	return nil
}

// Send publishes body directly to the destination queue through the default
// exchange.
func (t *Transport) Send(ctx context.Context, dest messaging.Destination, body []byte, attributes map[string]string) error {
	ch, err := t.getChannel()
	if err != nil {
		return fmt.Errorf("rabbitmq: send to %q: %w", dest.Name, err)
	}
	if err := ch.PublishWithContext(ctx, "", dest.Name, false, false, toPublishing(body, attributes)); err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq: send to %q: %w", dest.Name, err)
	}
	t.putChannel(ch)
	return nil
}

// Receive waits up to opts.WaitTime for a delivery, then drains whatever else
// is already buffered, up to opts.MaxMessages.
func (t *Transport) Receive(ctx context.Context, dest messaging.Destination, opts messaging.ReceiveOptions) ([]*contracts.Message, error) {
	c, err := t.consumerFor(dest.Name)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: consume %q: %w", dest.Name, err)
	}

	maxMessages := opts.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 1
	}

	timer := time.NewTimer(opts.WaitTime)
	defer timer.Stop()

	var out []*contracts.Message
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-c.deliveries:
		if !ok {
			t.dropConsumer(dest.Name)
			return nil, fmt.Errorf("rabbitmq: consumer for %q closed", dest.Name)
		}
		out = append(out, t.track(dest.Name, d))
	}

	for len(out) < maxMessages {
		select {
		case d, ok := <-c.deliveries:
			if !ok {
				t.dropConsumer(dest.Name)
				return out, nil
			}
			out = append(out, t.track(dest.Name, d))
		default:
			return out, nil
		}
	}
	return out, nil
}

// Acknowledge acks the delivery behind msg's receipt. Receipts from a
// consumer channel that has since closed are gone; the broker redelivers
// those messages on the replacement channel.
func (t *Transport) Acknowledge(_ context.Context, msg *contracts.Message) error {
	tag, err := strconv.ParseUint(msg.Receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("rabbitmq: receipt %q: %w", msg.Receipt, err)
	}

	t.mu.Lock()
	d, ok := t.pending[msg.Destination][tag]
	if ok {
		delete(t.pending[msg.Destination], tag)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("rabbitmq: receipt %q not found on queue %q", msg.Receipt, msg.Destination)
	}
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("rabbitmq: ack %q: %w", msg.Receipt, err)
	}
	return nil
}

// Close shuts down every consumer, pooled channel, and the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	for name, c := range t.consumers {
		c.channel.Close()
		delete(t.consumers, name)
	}
	for _, ch := range t.pubPool {
		ch.Close()
	}
	t.pubPool = nil
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// consumerFor returns the live consumer for queue, starting one if needed.
func (t *Transport) consumerFor(queue string) (*consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, messaging.ErrClosed
	}
	if c, ok := t.consumers[queue]; ok {
		return c, nil
	}

	conn, err := t.connLocked()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(t.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, err
	}
	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, err
	}

	c := &consumer{channel: ch, deliveries: deliveries}
	t.consumers[queue] = c
	return c, nil
}

// dropConsumer closes the consumer for queue and forgets its receipts; their
// delivery tags die with the channel.
func (t *Transport) dropConsumer(queue string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.consumers[queue]; ok {
		c.channel.Close()
		delete(t.consumers, queue)
	}
	delete(t.pending, queue)
}

// track records an unacknowledged delivery and converts it.
func (t *Transport) track(queue string, d amqp.Delivery) *contracts.Message {
	t.mu.Lock()
	if t.pending[queue] == nil {
		t.pending[queue] = make(map[uint64]amqp.Delivery)
	}
	t.pending[queue][d.DeliveryTag] = d
	t.mu.Unlock()
	return toMessage(queue, d)
}

// getChannel takes an idle channel from the pool or opens a new one.
func (t *Transport) getChannel() (*amqp.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, messaging.ErrClosed
	}
	for n := len(t.pubPool); n > 0; n = len(t.pubPool) {
		ch := t.pubPool[n-1]
		t.pubPool = t.pubPool[:n-1]
		if !ch.IsClosed() {
			return ch, nil
		}
	}
	conn, err := t.connLocked()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// putChannel returns a healthy channel to the pool.
func (t *Transport) putChannel(ch *amqp.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || ch.IsClosed() || len(t.pubPool) >= maxIdleChannels {
		ch.Close()
		return
	}
	t.pubPool = append(t.pubPool, ch)
}

// connLocked returns the connection, redialing if the old one dropped.
// Callers hold t.mu.
func (t *Transport) connLocked() (*amqp.Connection, error) {
	if t.conn != nil && !t.conn.IsClosed() {
		return t.conn, nil
	}
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	return conn, nil
}

// toPublishing maps body and attributes onto an AMQP publishing. The
// correlation attributes ride in the protocol's own properties; everything
// else becomes a header.
func toPublishing(body []byte, attributes map[string]string) amqp.Publishing {
	pub := amqp.Publishing{
		MessageId:    uuid.NewString(),
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	headers := make(amqp.Table)
	for name, value := range attributes {
		switch name {
		case contracts.CorrelationIDAttribute:
			pub.CorrelationId = value
		case contracts.ReplyToAttribute:
			pub.ReplyTo = value
		default:
			headers[name] = value
		}
	}
	if len(headers) > 0 {
		pub.Headers = headers
	}
	return pub
}

// toMessage maps an AMQP delivery back to the transport-neutral message.
func toMessage(queue string, d amqp.Delivery) *contracts.Message {
	attrs := make(map[string]string)
	for name, value := range d.Headers {
		if s, ok := value.(string); ok {
			attrs[name] = s
		}
	}
	if d.CorrelationId != "" {
		attrs[contracts.CorrelationIDAttribute] = d.CorrelationId
	}
	if d.ReplyTo != "" {
		attrs[contracts.ReplyToAttribute] = d.ReplyTo
	}
	return &contracts.Message{
		ID:          d.MessageId,
		Body:        d.Body,
		Attributes:  attrs,
		Destination: queue,
		Receipt:     strconv.FormatUint(d.DeliveryTag, 10),
		ReceivedAt:  time.Now(),
	}
}
