// Package eventbus is the root of the harborcommerce event-bus integration
// library.
//
// The module provides the reliability layer between a service's local
// database transaction and an AMQP broker: deterministic topology derivation
// (topology), bounded retry with failure classification (retry), a
// transactional outbox with a background dispatcher (outbox, outbox/postgres),
// a RabbitMQ transport with publisher confirms (rabbitmq), and a publish or
// subscribe facade with consumer middleware (bus).
package eventbus
