// Package kafka implements the Transport interface on Apache Kafka. Topics
// are destinations, record headers carry the correlation metadata, and
// consumer-group commits drive acknowledgment.
//
// Kafka commits are positional: committing a record also commits everything
// before it in the same partition, and uncommitted records only redeliver
// after a consumer restart or rebalance. Per-message acknowledgment and the
// visibility timeout are therefore approximations on this transport; prefer
// it for request topics, where the server acknowledges in order anyway.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/replyq/replyq-go/contracts"
	"github.com/replyq/replyq-go/messaging"
)

var _ messaging.Transport = (*Transport)(nil)

// Transport sends and receives through a Kafka cluster.
type Transport struct {
	brokers     []string
	groupID     string
	partitions  int
	replication int
	maxWait     time.Duration

	writer *kafka.Writer
	admin  *kafka.Client

	mu      sync.Mutex
	readers map[string]*kafka.Reader
	pending map[string]map[string]kafka.Message // topic -> receipt
	closed  bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithGroupID sets the consumer group. Defaults to "replyq". Reply topics
// need a group unique to the process so every requester sees its own
// responses.
func WithGroupID(groupID string) Option {
	return func(t *Transport) {
		t.groupID = groupID
	}
}

// WithPartitions sets the partition count for created topics. Defaults to 1.
func WithPartitions(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.partitions = n
		}
	}
}

// WithReplicationFactor sets the replication factor for created topics.
// Defaults to 1.
func WithReplicationFactor(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.replication = n
		}
	}
}

// WithMaxWait bounds how long the broker may hold a fetch open. Defaults to
// 250ms, keeping replies snappy at the cost of more fetch round trips.
func WithMaxWait(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.maxWait = d
		}
	}
}

// New creates a transport over the given brokers.
func New(brokers []string, options ...Option) *Transport {
	t := &Transport{
		brokers:     brokers,
		groupID:     "replyq",
		partitions:  1,
		replication: 1,
		maxWait:     250 * time.Millisecond,
		readers:     make(map[string]*kafka.Reader),
		pending:     make(map[string]map[string]kafka.Message),
	}
	for _, opt := range options {
		opt(t)
	}
	t.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	}
	t.admin = &kafka.Client{Addr: kafka.TCP(brokers...)}
	return t
}

// CreateDestination creates the topic, or returns the existing one.
func (t *Transport) CreateDestination(ctx context.Context, name string) (messaging.Destination, error) {
	resp, err := t.admin.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             name,
			NumPartitions:     t.partitions,
			ReplicationFactor: t.replication,
		}},
	})
	if err != nil {
		return messaging.Destination{}, fmt.Errorf("kafka: create topic %q: %w", name, err)
	}
	if topicErr := resp.Errors[name]; topicErr != nil && !errors.Is(topicErr, kafka.TopicAlreadyExists) {
		return messaging.Destination{}, fmt.Errorf("kafka: create topic %q: %w", name, topicErr)
	}
	return messaging.Destination{Name: name, Addr: name}, nil
}

// DeleteDestination deletes the topic and closes any local reader on it.
func (t *Transport) DeleteDestination(ctx context.Context, dest messaging.Destination) error {
	t.dropReader(dest.Name)
	resp, err := t.admin.DeleteTopics(ctx, &kafka.DeleteTopicsRequest{
		Topics: []string{dest.Name},
	})
	if err != nil {
		return fmt.Errorf("kafka: delete topic %q: %w", dest.Name, err)
	}
	if topicErr := resp.Errors[dest.Name]; topicErr != nil {
		return fmt.Errorf("kafka: delete topic %q: %w", dest.Name, topicErr)
	}
	return nil
}

// Send writes body to the topic with attributes as record headers.
func (t *Transport) Send(ctx context.Context, dest messaging.Destination, body []byte, attributes map[string]string) error {
	err := t.writer.WriteMessages(ctx, kafka.Message{
		Topic:   dest.Name,
		Value:   body,
		Headers: toHeaders(attributes),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka: send to %q: %w", dest.Name, err)
	}
	return nil
}

// Receive fetches up to opts.MaxMessages records, waiting at most
// opts.WaitTime for the first one. VisibilityTimeout is ignored; see the
// package documentation.
func (t *Transport) Receive(ctx context.Context, dest messaging.Destination, opts messaging.ReceiveOptions) ([]*contracts.Message, error) {
	reader, err := t.readerFor(dest.Name)
	if err != nil {
		return nil, err
	}
	maxMessages := opts.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 1
	}
	wait := opts.WaitTime
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}

	var out []*contracts.Message
	for len(out) < maxMessages {
		budget := wait
		if len(out) > 0 {
			// First record in hand; only top the batch up with what is
			// already buffered.
			budget = 10 * time.Millisecond
		}
		fetchCtx, cancel := context.WithTimeout(ctx, budget)
		m, err := reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return out, nil
			}
			return out, fmt.Errorf("kafka: fetch from %q: %w", dest.Name, err)
		}
		out = append(out, t.track(dest.Name, m))
	}
	return out, nil
}

// Acknowledge commits the record behind msg's receipt.
func (t *Transport) Acknowledge(ctx context.Context, msg *contracts.Message) error {
	t.mu.Lock()
	m, ok := t.pending[msg.Destination][msg.Receipt]
	reader := t.readers[msg.Destination]
	if ok {
		delete(t.pending[msg.Destination], msg.Receipt)
	}
	t.mu.Unlock()

	if !ok || reader == nil {
		return fmt.Errorf("kafka: receipt %q not found on topic %q", msg.Receipt, msg.Destination)
	}
	if err := reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("kafka: commit %q: %w", msg.Receipt, err)
	}
	return nil
}

// Close shuts down the writer and every reader.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	err := t.writer.Close()
	for topic, reader := range t.readers {
		if closeErr := reader.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		delete(t.readers, topic)
	}
	return err
}

// readerFor returns the consumer-group reader for topic, starting one if
// needed.
func (t *Transport) readerFor(topic string) (*kafka.Reader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, messaging.ErrClosed
	}
	if reader, ok := t.readers[topic]; ok {
		return reader, nil
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  t.brokers,
		GroupID:  t.groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  t.maxWait,
	})
	t.readers[topic] = reader
	return reader, nil
}

func (t *Transport) dropReader(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if reader, ok := t.readers[topic]; ok {
		reader.Close()
		delete(t.readers, topic)
	}
	delete(t.pending, topic)
}

// track records an uncommitted fetch and converts it.
func (t *Transport) track(topic string, m kafka.Message) *contracts.Message {
	receipt := receiptFor(m)
	t.mu.Lock()
	if t.pending[topic] == nil {
		t.pending[topic] = make(map[string]kafka.Message)
	}
	t.pending[topic][receipt] = m
	t.mu.Unlock()

	return &contracts.Message{
		ID:          receipt,
		Body:        m.Value,
		Attributes:  fromHeaders(m.Headers),
		Destination: topic,
		Receipt:     receipt,
		ReceivedAt:  time.Now(),
	}
}

// receiptFor identifies one record by its partition and offset.
func receiptFor(m kafka.Message) string {
	return fmt.Sprintf("%d:%d", m.Partition, m.Offset)
}

func toHeaders(attributes map[string]string) []kafka.Header {
	if len(attributes) == 0 {
		return nil
	}
	headers := make([]kafka.Header, 0, len(attributes))
	for name, value := range attributes {
		headers = append(headers, kafka.Header{Key: name, Value: []byte(value)})
	}
	return headers
}

func fromHeaders(headers []kafka.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(headers))
	for _, h := range headers {
		attrs[h.Key] = string(h.Value)
	}
	return attrs
}
