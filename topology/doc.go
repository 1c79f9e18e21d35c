// Package topology derives RabbitMQ object names and declarations from
// message type names, so producers and consumers converge on the same
// broker graph without shared configuration.
package topology
