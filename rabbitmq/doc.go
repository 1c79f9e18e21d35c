// Package rabbitmq provides the AMQP transport layer: a connection hub with
// rate-limited reconnects and a management-API health check, a publisher
// with broker confirms and automatic channel recovery, and a prefetch-bounded
// consumer with manual acknowledgment.
package rabbitmq
