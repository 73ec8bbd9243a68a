package messaging

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/replyq/replyq-go/contracts"
)

// mockTransport implements Transport for tests.
type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) CreateDestination(ctx context.Context, name string) (Destination, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(Destination), args.Error(1)
}

func (m *mockTransport) DeleteDestination(ctx context.Context, dest Destination) error {
	args := m.Called(ctx, dest)
	return args.Error(0)
}

func (m *mockTransport) Send(ctx context.Context, dest Destination, body []byte, attributes map[string]string) error {
	args := m.Called(ctx, dest, body, attributes)
	return args.Error(0)
}

func (m *mockTransport) Receive(ctx context.Context, dest Destination, opts ReceiveOptions) ([]*contracts.Message, error) {
	args := m.Called(ctx, dest, opts)
	if messages, ok := args.Get(0).([]*contracts.Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTransport) Acknowledge(ctx context.Context, msg *contracts.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// mockInspectableTransport adds the Heartbeater and Inspector capabilities.
type mockInspectableTransport struct {
	mockTransport
}

func (m *mockInspectableTransport) Heartbeat(ctx context.Context, dest Destination) error {
	args := m.Called(ctx, dest)
	return args.Error(0)
}

func (m *mockInspectableTransport) ListDestinations(ctx context.Context, prefix string) ([]Destination, error) {
	args := m.Called(ctx, prefix)
	if dests, ok := args.Get(0).([]Destination); ok {
		return dests, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockInspectableTransport) LastHeartbeat(ctx context.Context, dest Destination) (time.Time, error) {
	args := m.Called(ctx, dest)
	return args.Get(0).(time.Time), args.Error(1)
}

// fastConfig keeps polling loops snappy in tests.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.LongPollWait = time.Millisecond
	cfg.TeardownGrace = 25 * time.Millisecond
	return cfg
}

// noMessages is the steady-state receive result once a script has run out.
var noMessages = []*contracts.Message{}
