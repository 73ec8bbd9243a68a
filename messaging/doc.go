// Package messaging implements request-reply correlation over queue
// transports that natively offer only at-least-once, unordered delivery.
//
// The engine has five cooperating parts:
//   - CorrelationRegistry: thread-safe map from correlation id to a
//     pending-response slot, with first-wins resolution and expiry sweeping
//   - DestinationManager: one lazily created, reference-counted reply
//     destination per producer role, torn down after a grace period
//   - ReplyPoller: one background loop per reply destination that drains
//     responses and resolves them against the registry
//   - Dispatcher: sends correlated requests and fire-and-forget messages,
//     blocking callers until their response arrives or the deadline passes
//   - Responder: consumer-side helper that sends a correctly tagged response
//     back to the requester's reply destination
//
// A Server ties the consumer side together: it polls a role's request
// destination, hands each message to a Handler, and replies automatically.
//
// Key properties:
//   - Registration happens before send, so a response can never arrive before
//     its pending entry exists
//   - Resolution is idempotent: duplicate deliveries of the same response are
//     discarded, the first value wins
//   - Request-local failures (timeout, malformed message) never affect other
//     in-flight requests on the same destination
//   - Pollers retry transport failures with exponential backoff and never
//     terminate the process
//
// Example usage:
//
//	manager := messaging.NewDestinationManager(transport)
//	dispatcher := messaging.NewDispatcher(transport, manager)
//
//	response, err := dispatcher.SendRequest(ctx, "orders", []byte(`{"id":7}`),
//		messaging.WithTimeout(10*time.Second))
//
// The transport is pluggable; see the transports directory for the SQS,
// RabbitMQ, Redis Streams, Kafka, and in-memory implementations.
package messaging
