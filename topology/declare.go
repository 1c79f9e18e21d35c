package topology

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/harborcommerce/lib-eventbus/internal/nilcheck"
)

var ErrChannelRequired = errors.New("amqp channel is required")

// AMQPChannel is the narrow slice of *amqp.Channel needed to declare a
// topology. Kept small so tests can fake it.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// QueueArgs returns the declaration arguments for the primary queue:
// quorum queue type plus dead-letter wiring so that rejected deliveries
// flow to the per-type dead-letter exchange without publisher involvement.
func (t Topology) QueueArgs() amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": t.Queue,
	}

	if t.Quorum {
		args["x-queue-type"] = "quorum"
	}

	return args
}

// Declare creates the full wire-tap graph for one message type:
//
//	primary (direct) -> intermediary (fanout) -> queue (quorum)
//	                                 queue  --dead-letters-->  DLX -> DLQ
//
// All declarations are idempotent on the broker side, so every service can
// declare on startup without coordination. Declaration order matters: the
// dead-letter pair must exist before the queue that references it.
func Declare(ch AMQPChannel, t Topology) error {
	if nilcheck.Interface(ch) {
		return ErrChannelRequired
	}

	if err := ch.ExchangeDeclare(t.DeadLetterExchange, "direct", t.Durable, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange %s: %w", t.DeadLetterExchange, err)
	}

	dlqArgs := amqp.Table{}
	if t.Quorum {
		dlqArgs["x-queue-type"] = "quorum"
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, t.Durable, false, false, false, dlqArgs); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue %s: %w", t.DeadLetterQueue, err)
	}

	if err := ch.QueueBind(t.DeadLetterQueue, t.Queue, t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue %s: %w", t.DeadLetterQueue, err)
	}

	if err := ch.ExchangeDeclare(t.PrimaryExchange, "direct", t.Durable, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare primary exchange %s: %w", t.PrimaryExchange, err)
	}

	if err := ch.ExchangeDeclare(t.IntermediaryExchange, "fanout", t.Durable, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare intermediary exchange %s: %w", t.IntermediaryExchange, err)
	}

	if err := ch.ExchangeBind(t.IntermediaryExchange, t.RoutingKey, t.PrimaryExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind intermediary exchange %s: %w", t.IntermediaryExchange, err)
	}

	if _, err := ch.QueueDeclare(t.Queue, t.Durable, false, false, false, t.QueueArgs()); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", t.Queue, err)
	}

	// Fanout ignores the routing key; bound with the empty key.
	if err := ch.QueueBind(t.Queue, "", t.IntermediaryExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", t.Queue, err)
	}

	return nil
}
