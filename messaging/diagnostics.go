package messaging

import (
	"log/slog"
	"sync"
	"time"
)

// EventKind classifies a diagnostics event.
type EventKind string

const (
	EventMalformedMessage       EventKind = "malformed_message"
	EventUnmatchedResponse      EventKind = "unmatched_response"
	EventReceiveFailure         EventKind = "receive_failure"
	EventAckFailure             EventKind = "ack_failure"
	EventSendFailure            EventKind = "send_failure"
	EventDestinationUnavailable EventKind = "destination_unavailable"
)

// Event is a discard or failure observation emitted by the engine. Fields are
// filled as far as they are known at the point of failure.
type Event struct {
	Kind          EventKind
	Role          string
	CorrelationID string
	Destination   string
	Err           error
	Timestamp     time.Time
}

// Diagnostics receives discard and failure events. Implementations must be
// safe for concurrent use; Record is called from poller goroutines and from
// dispatch paths.
type Diagnostics interface {
	Record(event Event)
}

// LogDiagnostics writes events to a slog logger. Malformed and unmatched
// messages log at Warn, transport failures at Error.
type LogDiagnostics struct {
	logger *slog.Logger
}

// NewLogDiagnostics creates a Diagnostics sink backed by logger. A nil logger
// falls back to slog.Default().
func NewLogDiagnostics(logger *slog.Logger) *LogDiagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDiagnostics{logger: logger}
}

func (d *LogDiagnostics) Record(event Event) {
	attrs := []any{
		"kind", string(event.Kind),
		"role", event.Role,
		"correlationId", event.CorrelationID,
		"destination", event.Destination,
	}
	if event.Err != nil {
		attrs = append(attrs, "error", event.Err)
	}
	switch event.Kind {
	case EventReceiveFailure, EventSendFailure, EventDestinationUnavailable:
		d.logger.Error("replyq diagnostics event", attrs...)
	default:
		d.logger.Warn("replyq diagnostics event", attrs...)
	}
}

// CollectingDiagnostics buffers events in memory. Intended for tests and for
// callers that inspect discard behavior programmatically.
type CollectingDiagnostics struct {
	mu     sync.Mutex
	events []Event
}

// NewCollectingDiagnostics creates an empty collecting sink.
func NewCollectingDiagnostics() *CollectingDiagnostics {
	return &CollectingDiagnostics{}
}

func (d *CollectingDiagnostics) Record(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
}

// Events returns a copy of all recorded events.
func (d *CollectingDiagnostics) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, len(d.events))
	copy(out, d.events)
	return out
}

// EventsOfKind returns a copy of the recorded events matching kind.
func (d *CollectingDiagnostics) EventsOfKind(kind EventKind) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Event
	for _, e := range d.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// nopDiagnostics drops every event.
type nopDiagnostics struct{}

func (nopDiagnostics) Record(Event) {}
