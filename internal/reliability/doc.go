// Package reliability provides retry policies, a stateful backoff for
// long-running receive loops, and a circuit breaker for transport sends.
package reliability
