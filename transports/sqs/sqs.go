// Package sqs implements the Transport interface on Amazon SQS. Queues are
// destinations, message attributes carry the correlation metadata, receipt
// handles drive acknowledgment, and queue tags record reply-queue heartbeats.
package sqs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/replyq/replyq-go/contracts"
	"github.com/replyq/replyq-go/messaging"
)

// heartbeatTag is the queue tag holding the RFC 3339 time of the owner's last
// heartbeat. The idle sweeper reads it to find abandoned reply queues.
const heartbeatTag = "replyq:heartbeat"

const (
	maxWaitTime   = 20 * time.Second
	maxBatchLimit = 10
)

var (
	_ messaging.Transport   = (*Transport)(nil)
	_ messaging.Heartbeater = (*Transport)(nil)
	_ messaging.Inspector   = (*Transport)(nil)
)

// API is the subset of the SQS client the transport uses. *sqs.Client
// satisfies it; tests substitute a fake.
type API interface {
	CreateQueue(ctx context.Context, params *awssqs.CreateQueueInput, optFns ...func(*awssqs.Options)) (*awssqs.CreateQueueOutput, error)
	DeleteQueue(ctx context.Context, params *awssqs.DeleteQueueInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteQueueOutput, error)
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	TagQueue(ctx context.Context, params *awssqs.TagQueueInput, optFns ...func(*awssqs.Options)) (*awssqs.TagQueueOutput, error)
	ListQueues(ctx context.Context, params *awssqs.ListQueuesInput, optFns ...func(*awssqs.Options)) (*awssqs.ListQueuesOutput, error)
	ListQueueTags(ctx context.Context, params *awssqs.ListQueueTagsInput, optFns ...func(*awssqs.Options)) (*awssqs.ListQueueTagsOutput, error)
}

// Transport sends and receives through Amazon SQS.
type Transport struct {
	client     API
	attributes map[string]string
}

// Option configures a Transport.
type Option func(*Transport)

// WithQueueAttributes sets SQS attributes applied to every queue this
// transport creates, such as MessageRetentionPeriod.
func WithQueueAttributes(attributes map[string]string) Option {
	return func(t *Transport) {
		t.attributes = attributes
	}
}

// New creates a transport over client.
func New(client API, options ...Option) *Transport {
	t := &Transport{client: client}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// CreateDestination creates the named queue or returns the existing one.
// CreateQueue is idempotent for matching attributes, which gives the
// create-or-get semantics the engine relies on. Creation time is recorded as
// the queue's first heartbeat.
func (t *Transport) CreateDestination(ctx context.Context, name string) (messaging.Destination, error) {
	input := &awssqs.CreateQueueInput{
		QueueName: aws.String(name),
		Tags:      map[string]string{heartbeatTag: time.Now().UTC().Format(time.RFC3339)},
	}
	if len(t.attributes) > 0 {
		input.Attributes = t.attributes
	}
	out, err := t.client.CreateQueue(ctx, input)
	if err != nil {
		return messaging.Destination{}, fmt.Errorf("sqs: create queue %q: %w", name, err)
	}
	return messaging.Destination{Name: name, Addr: aws.ToString(out.QueueUrl)}, nil
}

// DeleteDestination deletes the queue and everything on it.
func (t *Transport) DeleteDestination(ctx context.Context, dest messaging.Destination) error {
	_, err := t.client.DeleteQueue(ctx, &awssqs.DeleteQueueInput{
		QueueUrl: aws.String(dest.Addr),
	})
	if err != nil {
		return fmt.Errorf("sqs: delete queue %q: %w", dest.Addr, err)
	}
	return nil
}

// Send publishes body to the queue with attributes mapped to SQS message
// attributes of type String.
func (t *Transport) Send(ctx context.Context, dest messaging.Destination, body []byte, attributes map[string]string) error {
	input := &awssqs.SendMessageInput{
		QueueUrl:    aws.String(dest.Addr),
		MessageBody: aws.String(string(body)),
	}
	if len(attributes) > 0 {
		input.MessageAttributes = toMessageAttributes(attributes)
	}
	if _, err := t.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs: send to %q: %w", dest.Addr, err)
	}
	return nil
}

// Receive long-polls the queue. SQS caps batches at 10 messages and waits at
// 20 seconds; larger requests are clamped.
func (t *Transport) Receive(ctx context.Context, dest messaging.Destination, opts messaging.ReceiveOptions) ([]*contracts.Message, error) {
	batch := opts.MaxMessages
	if batch <= 0 {
		batch = 1
	}
	if batch > maxBatchLimit {
		batch = maxBatchLimit
	}
	wait := opts.WaitTime
	if wait > maxWaitTime {
		wait = maxWaitTime
	}

	input := &awssqs.ReceiveMessageInput{
		QueueUrl:              aws.String(dest.Addr),
		MaxNumberOfMessages:   int32(batch),
		WaitTimeSeconds:       int32(wait / time.Second),
		MessageAttributeNames: []string{"All"},
	}
	if opts.VisibilityTimeout > 0 {
		input.VisibilityTimeout = int32(opts.VisibilityTimeout / time.Second)
	}

	out, err := t.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs: receive from %q: %w", dest.Addr, err)
	}

	now := time.Now()
	messages := make([]*contracts.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, &contracts.Message{
			ID:          aws.ToString(m.MessageId),
			Body:        []byte(aws.ToString(m.Body)),
			Attributes:  fromMessageAttributes(m.MessageAttributes),
			Destination: dest.Addr,
			Receipt:     aws.ToString(m.ReceiptHandle),
			ReceivedAt:  now,
		})
	}
	return messages, nil
}

// Acknowledge deletes the delivery behind msg's receipt handle.
func (t *Transport) Acknowledge(ctx context.Context, msg *contracts.Message) error {
	_, err := t.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(msg.Destination),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs: delete message %q: %w", msg.ID, err)
	}
	return nil
}

// Heartbeat retags the queue with the current time.
func (t *Transport) Heartbeat(ctx context.Context, dest messaging.Destination) error {
	_, err := t.client.TagQueue(ctx, &awssqs.TagQueueInput{
		QueueUrl: aws.String(dest.Addr),
		Tags:     map[string]string{heartbeatTag: time.Now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return fmt.Errorf("sqs: heartbeat %q: %w", dest.Addr, err)
	}
	return nil
}

// ListDestinations pages through queues whose name starts with prefix.
func (t *Transport) ListDestinations(ctx context.Context, prefix string) ([]messaging.Destination, error) {
	var out []messaging.Destination
	var token *string
	for {
		page, err := t.client.ListQueues(ctx, &awssqs.ListQueuesInput{
			QueueNamePrefix: aws.String(prefix),
			NextToken:       token,
		})
		if err != nil {
			return nil, fmt.Errorf("sqs: list queues %q: %w", prefix, err)
		}
		for _, url := range page.QueueUrls {
			out = append(out, messaging.Destination{Name: queueNameFromURL(url), Addr: url})
		}
		token = page.NextToken
		if token == nil {
			return out, nil
		}
	}
}

// LastHeartbeat reads the queue's heartbeat tag. A queue without the tag
// reports the zero time.
func (t *Transport) LastHeartbeat(ctx context.Context, dest messaging.Destination) (time.Time, error) {
	out, err := t.client.ListQueueTags(ctx, &awssqs.ListQueueTagsInput{
		QueueUrl: aws.String(dest.Addr),
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("sqs: list tags %q: %w", dest.Addr, err)
	}
	raw, ok := out.Tags[heartbeatTag]
	if !ok {
		return time.Time{}, nil
	}
	heartbeat, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqs: heartbeat tag on %q: %w", dest.Addr, err)
	}
	return heartbeat, nil
}

func toMessageAttributes(attributes map[string]string) map[string]types.MessageAttributeValue {
	out := make(map[string]types.MessageAttributeValue, len(attributes))
	for name, value := range attributes {
		out[name] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(value),
		}
	}
	return out
}

func fromMessageAttributes(attributes map[string]types.MessageAttributeValue) map[string]string {
	if len(attributes) == 0 {
		return nil
	}
	out := make(map[string]string, len(attributes))
	for name, value := range attributes {
		if value.StringValue != nil {
			out[name] = aws.ToString(value.StringValue)
		}
	}
	return out
}

// queueNameFromURL extracts the queue name, the last path segment of the
// queue URL.
func queueNameFromURL(url string) string {
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return url
}
