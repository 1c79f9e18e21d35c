package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/harborcommerce/lib-eventbus/internal/nilcheck"
	"github.com/harborcommerce/lib-eventbus/log"
)

const defaultPrefetchCount = 10

var (
	ErrConsumeChannelRequired = errors.New("rabbitmq consume channel is required")
	ErrQueueNameRequired      = errors.New("rabbitmq queue name is required")
	ErrHandlerRequired        = errors.New("rabbitmq delivery handler is required")
	ErrDeliveriesClosed       = errors.New("rabbitmq delivery stream closed")
)

// ConsumeChannel is the subset of *amqp.Channel the consumer needs.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// DeliveryHandler processes one delivery. A nil return acks the delivery; an
// error nacks it without requeue, which hands it to the queue's dead-letter
// exchange.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer pulls deliveries from one queue with a bounded prefetch window and
// manual acknowledgment.
type Consumer struct {
	channel  ConsumeChannel
	logger   log.Logger
	prefetch int
	tag      string
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger log.Logger) ConsumerOption {
	return func(c *Consumer) {
		if !nilcheck.Interface(logger) {
			c.logger = logger
		}
	}
}

// WithPrefetchCount bounds unacknowledged deliveries in flight.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		if count > 0 {
			c.prefetch = count
		}
	}
}

// WithConsumerTag sets the consumer tag reported to the broker.
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.tag = tag
	}
}

// NewConsumer creates a consumer over channel.
func NewConsumer(channel ConsumeChannel, opts ...ConsumerOption) (*Consumer, error) {
	if nilcheck.Interface(channel) {
		return nil, ErrConsumeChannelRequired
	}

	consumer := &Consumer{
		channel:  channel,
		logger:   log.NewNop(),
		prefetch: defaultPrefetchCount,
	}

	for _, opt := range opts {
		opt(consumer)
	}

	return consumer, nil
}

// Consume blocks pulling deliveries from queue until ctx is done or the
// delivery stream closes. Each delivery is acked on handler success and
// nacked without requeue on handler failure, so the broker routes failures
// to the dead-letter queue.
func (c *Consumer) Consume(ctx context.Context, queue string, handler DeliveryHandler) error {
	if c == nil {
		return ErrConsumeChannelRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if queue == "" {
		return ErrQueueNameRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	if err := c.channel.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos on %s: %w", queue, err)
	}

	deliveries, err := c.channel.Consume(queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", queue, err)
	}

	c.logger.Log(ctx, log.LevelInfo, "consuming from queue",
		log.String("queue", queue),
		log.Int("prefetch", c.prefetch),
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: queue %s", ErrDeliveriesClosed, queue)
			}

			c.handleDelivery(ctx, queue, delivery, handler)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, queue string, delivery amqp.Delivery, handler DeliveryHandler) {
	if err := handler(ctx, delivery); err != nil {
		c.logger.Log(ctx, log.LevelWarn, "delivery handler failed, dead-lettering",
			log.String("queue", queue),
			log.String("message_id", delivery.MessageId),
			log.Err(err),
		)

		// requeue=false: the queue's dead-letter exchange takes over.
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Log(ctx, log.LevelError, "failed to nack delivery",
				log.String("queue", queue),
				log.Err(nackErr),
			)
		}

		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Log(ctx, log.LevelError, "failed to ack delivery",
			log.String("queue", queue),
			log.Err(ackErr),
		)
	}
}
