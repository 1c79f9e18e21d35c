// Package message defines the transport envelope, correlation headers, and
// the per-delivery invocation context shared by the outbox and the bus.
package message
