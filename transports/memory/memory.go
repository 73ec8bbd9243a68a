// Package memory provides an in-process Transport with SQS-like semantics:
// create-or-get destinations, at-least-once delivery, visibility timeouts, and
// receipt-based acknowledgment. It backs examples and tests; nothing persists
// beyond the process.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/replyq/replyq-go/contracts"
	"github.com/replyq/replyq-go/messaging"
)

const addrScheme = "memory://"

var (
	_ messaging.Transport   = (*Transport)(nil)
	_ messaging.Heartbeater = (*Transport)(nil)
	_ messaging.Inspector   = (*Transport)(nil)
)

// storedMessage is one enqueued message. A message is visible when visibleAt
// is not in the future; receiving it pushes visibleAt forward and issues a
// fresh receipt, so a stale receipt can no longer acknowledge it.
type storedMessage struct {
	msg       *contracts.Message
	visibleAt time.Time
	receipt   string
}

type queue struct {
	name     string
	messages []*storedMessage
	notify   chan struct{} // cap 1, pinged on send
}

// Transport is an in-memory message queue fabric. The zero value is not
// usable; call New.
type Transport struct {
	mu         sync.Mutex
	queues     map[string]*queue
	heartbeats map[string]time.Time
	seq        atomic.Int64
}

// New creates an empty in-memory transport.
func New() *Transport {
	return &Transport{
		queues:     make(map[string]*queue),
		heartbeats: make(map[string]time.Time),
	}
}

// CreateDestination creates the named queue, or returns the existing one. The
// creation time counts as the queue's first heartbeat.
func (t *Transport) CreateDestination(_ context.Context, name string) (messaging.Destination, error) {
	if name == "" {
		return messaging.Destination{}, fmt.Errorf("memory: destination name is empty")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.queues[name]; !ok {
		t.queues[name] = &queue{
			name:   name,
			notify: make(chan struct{}, 1),
		}
		t.heartbeats[name] = time.Now()
	}
	return messaging.Destination{Name: name, Addr: addrScheme + name}, nil
}

// DeleteDestination removes the named queue and every message on it.
func (t *Transport) DeleteDestination(_ context.Context, dest messaging.Destination) error {
	name := queueName(dest)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.queues[name]; !ok {
		return fmt.Errorf("memory: queue %q does not exist", name)
	}
	delete(t.queues, name)
	delete(t.heartbeats, name)
	return nil
}

// Send enqueues body with a copy of attributes on the destination queue.
func (t *Transport) Send(_ context.Context, dest messaging.Destination, body []byte, attributes map[string]string) error {
	name := queueName(dest)
	t.mu.Lock()
	q, ok := t.queues[name]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("memory: queue %q does not exist", name)
	}
	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}
	q.messages = append(q.messages, &storedMessage{
		msg: &contracts.Message{
			ID:         fmt.Sprintf("mem-%d", t.seq.Add(1)),
			Body:       append([]byte(nil), body...),
			Attributes: attrs,
		},
		visibleAt: time.Now(),
	})
	notify := q.notify
	t.mu.Unlock()

	select {
	case notify <- struct{}{}:
	default:
	}
	return nil
}

// Receive returns up to opts.MaxMessages visible messages, making each
// invisible for opts.VisibilityTimeout. With a positive opts.WaitTime an empty
// queue is long-polled until a message shows up or the wait elapses.
func (t *Transport) Receive(ctx context.Context, dest messaging.Destination, opts messaging.ReceiveOptions) ([]*contracts.Message, error) {
	name := queueName(dest)
	maxMessages := opts.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 1
	}
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	waitDeadline := time.Now().Add(opts.WaitTime)

	for {
		out, nextVisible, notify, err := t.takeVisible(name, maxMessages, visibility)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 {
			return out, nil
		}

		remaining := time.Until(waitDeadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := remaining
		if !nextVisible.IsZero() {
			if d := time.Until(nextVisible); d < wait {
				wait = d
			}
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// takeVisible claims up to maxMessages visible messages under the lock. It
// also reports when the earliest invisible message becomes visible again, so
// Receive can wake for redeliveries without polling.
func (t *Transport) takeVisible(name string, maxMessages int, visibility time.Duration) ([]*contracts.Message, time.Time, chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[name]
	if !ok {
		return nil, time.Time{}, nil, fmt.Errorf("memory: queue %q does not exist", name)
	}

	now := time.Now()
	var out []*contracts.Message
	var nextVisible time.Time
	for _, sm := range q.messages {
		if len(out) >= maxMessages {
			break
		}
		if sm.visibleAt.After(now) {
			if nextVisible.IsZero() || sm.visibleAt.Before(nextVisible) {
				nextVisible = sm.visibleAt
			}
			continue
		}
		sm.visibleAt = now.Add(visibility)
		sm.receipt = fmt.Sprintf("rcpt-%d", t.seq.Add(1))
		out = append(out, sm.deliver(name, now))
	}
	return out, nextVisible, q.notify, nil
}

// deliver builds the caller's copy of the message for this delivery.
func (sm *storedMessage) deliver(name string, now time.Time) *contracts.Message {
	attrs := make(map[string]string, len(sm.msg.Attributes))
	for k, v := range sm.msg.Attributes {
		attrs[k] = v
	}
	return &contracts.Message{
		ID:          sm.msg.ID,
		Body:        append([]byte(nil), sm.msg.Body...),
		Attributes:  attrs,
		Destination: addrScheme + name,
		Receipt:     sm.receipt,
		ReceivedAt:  now,
	}
}

// Acknowledge deletes the delivery identified by msg.Receipt. A receipt
// invalidated by a later redelivery no longer matches and fails.
func (t *Transport) Acknowledge(_ context.Context, msg *contracts.Message) error {
	name := queueName(messaging.Destination{Addr: msg.Destination})
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[name]
	if !ok {
		return fmt.Errorf("memory: queue %q does not exist", name)
	}
	for i, sm := range q.messages {
		if sm.receipt != "" && sm.receipt == msg.Receipt {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("memory: receipt %q not found on queue %q", msg.Receipt, name)
}

// Heartbeat marks the destination as alive now.
func (t *Transport) Heartbeat(_ context.Context, dest messaging.Destination) error {
	name := queueName(dest)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.queues[name]; !ok {
		return fmt.Errorf("memory: queue %q does not exist", name)
	}
	t.heartbeats[name] = time.Now()
	return nil
}

// ListDestinations returns every queue whose name starts with prefix.
func (t *Transport) ListDestinations(_ context.Context, prefix string) ([]messaging.Destination, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []messaging.Destination
	for name := range t.queues {
		if strings.HasPrefix(name, prefix) {
			out = append(out, messaging.Destination{Name: name, Addr: addrScheme + name})
		}
	}
	return out, nil
}

// LastHeartbeat returns when the destination last reported alive.
func (t *Transport) LastHeartbeat(_ context.Context, dest messaging.Destination) (time.Time, error) {
	name := queueName(dest)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.queues[name]; !ok {
		return time.Time{}, fmt.Errorf("memory: queue %q does not exist", name)
	}
	return t.heartbeats[name], nil
}

// Len returns the number of messages on the named queue, visible or not.
func (t *Transport) Len(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[name]
	if !ok {
		return 0
	}
	return len(q.messages)
}

// queueName maps a Destination back to its queue name. Addresses use the
// memory:// scheme; bare names pass through so both forms work.
func queueName(dest messaging.Destination) string {
	if dest.Name != "" {
		return dest.Name
	}
	return strings.TrimPrefix(dest.Addr, addrScheme)
}
