// Package replyq provides synchronous request-response messaging on top of
// queue transports that natively offer only at-least-once, unordered delivery.
//
// Each process requesting from a role lazily creates one reply destination for
// that role, tags every outgoing request with a correlation id and the reply
// destination's address, and suspends the calling goroutine until a background
// poller matches the response back by correlation id:
//
//	client := replyq.NewClient(transport)
//	defer client.Close()
//
//	response, err := client.SendRequest(ctx, "orders", []byte(`{"sku":"widget"}`))
//
// The consuming side runs a server that replies through the metadata carried
// on each request:
//
//	client.Serve(ctx, "orders", messaging.HandlerFunc(
//		func(ctx context.Context, msg *contracts.Message) ([]byte, error) {
//			return process(msg.Body)
//		}))
//
// Transports live in transports/: SQS, RabbitMQ, Redis Streams, Kafka, and an
// in-process memory transport for tests and local development. All correlation
// state is process-local; at-least-once duplicates resolve idempotently and
// responses to dead requesters are discarded.
package replyq
