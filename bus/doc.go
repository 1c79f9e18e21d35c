// Package bus is the single entry point for publishing and consuming
// messages. Publish resolves and declares topology per message type, attaches
// correlation headers, and waits for the broker confirm. Subscribe binds a
// handler to a queue behind an ordered filter chain: correlation propagation,
// payload validation, then retry policy. Exhausted or non-retryable failures
// are dead-lettered by the broker.
package bus
