// Package outbox implements the transactional outbox: messages are written
// to the database inside the caller's business transaction and a background
// dispatcher relays them to the broker with at-least-once semantics.
package outbox
