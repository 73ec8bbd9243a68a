// Package redis implements the Transport interface on Redis Streams. Streams
// are destinations, a consumer group per stream gives at-least-once delivery,
// and XAUTOCLAIM with a minimum idle time plays the role of the visibility
// timeout: entries read but not acknowledged in time are claimed back on a
// later receive.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/replyq/replyq-go/contracts"
	"github.com/replyq/replyq-go/messaging"
)

const (
	bodyField  = "body"
	attrPrefix = "attr:"
)

var (
	_ messaging.Transport   = (*Transport)(nil)
	_ messaging.Heartbeater = (*Transport)(nil)
	_ messaging.Inspector   = (*Transport)(nil)
)

// Transport sends and receives through Redis Streams.
type Transport struct {
	client    redis.Cmdable
	keyPrefix string
	group     string
	consumer  string
}

// Option configures a Transport.
type Option func(*Transport)

// WithKeyPrefix sets the prefix of every stream key. Defaults to "replyq:".
func WithKeyPrefix(prefix string) Option {
	return func(t *Transport) {
		t.keyPrefix = prefix
	}
}

// WithGroup sets the consumer group name. Defaults to "replyq".
func WithGroup(group string) Option {
	return func(t *Transport) {
		t.group = group
	}
}

// WithConsumerName sets this process's consumer name within the group. The
// default is unique per transport instance.
func WithConsumerName(name string) Option {
	return func(t *Transport) {
		t.consumer = name
	}
}

// New creates a transport over client, which may be a single-node or cluster
// client.
func New(client redis.Cmdable, options ...Option) *Transport {
	t := &Transport{
		client:    client,
		keyPrefix: "replyq:",
		group:     "replyq",
		consumer:  "consumer-" + uuid.NewString(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// CreateDestination creates the stream and its consumer group, or returns the
// existing one. Creation time is recorded as the first heartbeat.
func (t *Transport) CreateDestination(ctx context.Context, name string) (messaging.Destination, error) {
	key := t.keyPrefix + name
	err := t.client.XGroupCreateMkStream(ctx, key, t.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return messaging.Destination{}, fmt.Errorf("redis: create stream %q: %w", key, err)
	}
	if err == nil {
		if err := t.client.Set(ctx, t.heartbeatKey(name), time.Now().UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
			return messaging.Destination{}, fmt.Errorf("redis: create stream %q: %w", key, err)
		}
	}
	return messaging.Destination{Name: name, Addr: key}, nil
}

// DeleteDestination removes the stream, its groups, and its heartbeat.
func (t *Transport) DeleteDestination(ctx context.Context, dest messaging.Destination) error {
	name := t.destName(dest)
	if err := t.client.Del(ctx, t.keyPrefix+name, t.heartbeatKey(name)).Err(); err != nil {
		return fmt.Errorf("redis: delete stream %q: %w", name, err)
	}
	return nil
}

// Send appends body and attributes as one stream entry.
func (t *Transport) Send(ctx context.Context, dest messaging.Destination, body []byte, attributes map[string]string) error {
	key := t.keyPrefix + t.destName(dest)
	err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: streamValues(body, attributes),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: send to %q: %w", key, err)
	}
	return nil
}

// Receive first claims entries another receive left unacknowledged beyond the
// visibility timeout, then blocks up to opts.WaitTime for fresh ones.
func (t *Transport) Receive(ctx context.Context, dest messaging.Destination, opts messaging.ReceiveOptions) ([]*contracts.Message, error) {
	key := t.keyPrefix + t.destName(dest)
	maxMessages := opts.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 1
	}
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}

	claimed, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    t.group,
		Consumer: t.consumer,
		MinIdle:  visibility,
		Start:    "0",
		Count:    int64(maxMessages),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: claim from %q: %w", key, err)
	}

	out := make([]*contracts.Message, 0, maxMessages)
	for _, m := range claimed {
		out = append(out, fromStreamMessage(key, m))
	}
	if len(out) >= maxMessages {
		return out, nil
	}

	// In XREADGROUP a zero block means forever; -1 omits the BLOCK argument
	// entirely, making the read non-blocking.
	block := opts.WaitTime
	if block <= 0 {
		block = -1
	}
	if len(out) > 0 {
		// Something was claimed already; just top the batch up.
		block = time.Millisecond
	}
	streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.group,
		Consumer: t.consumer,
		Streams:  []string{key, ">"},
		Count:    int64(maxMessages - len(out)),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return out, nil
		}
		return nil, fmt.Errorf("redis: read from %q: %w", key, err)
	}
	for _, stream := range streams {
		for _, m := range stream.Messages {
			out = append(out, fromStreamMessage(key, m))
		}
	}
	return out, nil
}

// Acknowledge acks the entry in the consumer group and deletes it from the
// stream.
func (t *Transport) Acknowledge(ctx context.Context, msg *contracts.Message) error {
	if err := t.client.XAck(ctx, msg.Destination, t.group, msg.Receipt).Err(); err != nil {
		return fmt.Errorf("redis: ack %q on %q: %w", msg.Receipt, msg.Destination, err)
	}
	if err := t.client.XDel(ctx, msg.Destination, msg.Receipt).Err(); err != nil {
		return fmt.Errorf("redis: delete %q on %q: %w", msg.Receipt, msg.Destination, err)
	}
	return nil
}

// Heartbeat refreshes the destination's heartbeat key.
func (t *Transport) Heartbeat(ctx context.Context, dest messaging.Destination) error {
	name := t.destName(dest)
	if err := t.client.Set(ctx, t.heartbeatKey(name), time.Now().UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("redis: heartbeat %q: %w", name, err)
	}
	return nil
}

// ListDestinations scans for stream keys under the prefix.
func (t *Transport) ListDestinations(ctx context.Context, prefix string) ([]messaging.Destination, error) {
	var out []messaging.Destination
	var cursor uint64
	match := t.keyPrefix + prefix + "*"
	for {
		keys, next, err := t.client.ScanType(ctx, cursor, match, 100, "stream").Result()
		if err != nil {
			return nil, fmt.Errorf("redis: scan %q: %w", match, err)
		}
		for _, key := range keys {
			name := strings.TrimPrefix(key, t.keyPrefix)
			out = append(out, messaging.Destination{Name: name, Addr: key})
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// LastHeartbeat reads the destination's heartbeat key. A missing key reports
// the zero time.
func (t *Transport) LastHeartbeat(ctx context.Context, dest messaging.Destination) (time.Time, error) {
	raw, err := t.client.Get(ctx, t.heartbeatKey(t.destName(dest))).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: heartbeat of %q: %w", dest.Name, err)
	}
	heartbeat, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: heartbeat of %q: %w", dest.Name, err)
	}
	return heartbeat, nil
}

func (t *Transport) heartbeatKey(name string) string {
	return t.keyPrefix + "heartbeat:" + name
}

// destName maps a Destination back to its bare name whether the caller held
// the name or the prefixed key.
func (t *Transport) destName(dest messaging.Destination) string {
	if dest.Name != "" {
		return dest.Name
	}
	return strings.TrimPrefix(dest.Addr, t.keyPrefix)
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// streamValues flattens body and attributes into stream entry fields.
// Attributes are namespaced so they can never collide with the body field.
func streamValues(body []byte, attributes map[string]string) map[string]interface{} {
	values := make(map[string]interface{}, len(attributes)+1)
	values[bodyField] = string(body)
	for name, value := range attributes {
		values[attrPrefix+name] = value
	}
	return values
}

// fromStreamMessage rebuilds the transport-neutral message from one entry.
// The entry id doubles as the acknowledgment receipt.
func fromStreamMessage(key string, m redis.XMessage) *contracts.Message {
	msg := &contracts.Message{
		ID:          m.ID,
		Destination: key,
		Receipt:     m.ID,
		ReceivedAt:  time.Now(),
	}
	for field, value := range m.Values {
		s, ok := value.(string)
		if !ok {
			continue
		}
		switch {
		case field == bodyField:
			msg.Body = []byte(s)
		case strings.HasPrefix(field, attrPrefix):
			msg.SetAttribute(strings.TrimPrefix(field, attrPrefix), s)
		}
	}
	return msg
}
