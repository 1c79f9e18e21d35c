package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborcommerce/lib-eventbus/log"
	"github.com/harborcommerce/lib-eventbus/message"
	"github.com/harborcommerce/lib-eventbus/rabbitmq"
	"github.com/harborcommerce/lib-eventbus/retry"
)

var (
	ErrHandlerRequired        = errors.New("bus message handler is required")
	ErrPayloadValidation      = errors.New("payload validation failed")
	ErrDeliveryNotConvertible = errors.New("delivery cannot be converted to a message")
)

// Handler processes one inbound message. Returning nil acknowledges the
// delivery; returning an error routes it through the retry policy and, once
// exhausted or permanent, to the dead-letter queue.
type Handler func(ctx context.Context, msg *message.Message) error

// Middleware wraps a Handler with a cross-cutting concern. Subscribe applies
// its built-in filters and any extra middleware as an explicit ordered list,
// outermost first.
type Middleware func(next Handler) Handler

type subscription struct {
	policy         retry.Policy
	payloadFactory func() any
	middleware     []Middleware
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscription)

// WithRetryPolicy replaces the default consumer retry policy.
func WithRetryPolicy(policy retry.Policy) SubscribeOption {
	return func(s *subscription) {
		s.policy = policy
	}
}

// WithPayloadFactory enables the validation filter. factory returns a fresh
// pointer to the expected payload struct; the filter unmarshals into it and
// runs struct validation before the handler is invoked. Failures are
// non-retryable.
func WithPayloadFactory(factory func() any) SubscribeOption {
	return func(s *subscription) {
		s.payloadFactory = factory
	}
}

// WithMiddleware appends extra middleware between the validation filter and
// the retry policy, in the order given.
func WithMiddleware(middleware ...Middleware) SubscribeOption {
	return func(s *subscription) {
		s.middleware = append(s.middleware, middleware...)
	}
}

// Subscribe declares the topology for messageType and consumes its queue,
// invoking handler behind the filter chain:
//
//	correlation propagation -> validation -> extra middleware -> retry -> handler
//
// It blocks until ctx is done or the transport fails; callers run one
// Subscribe per queue on its own goroutine.
func (b *Bus) Subscribe(ctx context.Context, messageType string, handler Handler, opts ...SubscribeOption) error {
	if b == nil {
		return ErrConsumerRequired
	}

	if b.consumer == nil {
		return ErrConsumerRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	sub := &subscription{policy: retry.DefaultPolicy()}
	for _, opt := range opts {
		opt(sub)
	}

	top, err := b.ensureTopology(messageType)
	if err != nil {
		return err
	}

	wrapped := b.retryFilter(sub.policy)(handler)
	for i := len(sub.middleware) - 1; i >= 0; i-- {
		wrapped = sub.middleware[i](wrapped)
	}

	wrapped = b.validationFilter(sub.payloadFactory)(wrapped)
	wrapped = correlationFilter(wrapped)

	b.logger.Log(ctx, log.LevelInfo, "subscribing",
		log.String("message_type", messageType),
		log.String("queue", top.Queue),
	)

	return b.consumer.Consume(ctx, top.Queue, b.deliveryHandler(messageType, top.Queue, wrapped))
}

// deliveryHandler adapts the wrapped Handler to the transport's delivery
// contract, converting the AMQP delivery into a message first.
func (b *Bus) deliveryHandler(messageType, queue string, wrapped Handler) rabbitmq.DeliveryHandler {
	return func(ctx context.Context, delivery amqp.Delivery) error {
		ctx, span := b.tracer.Start(ctx, "bus.consume", trace.WithAttributes(
			attribute.String("messaging.message.type", messageType),
			attribute.String("messaging.destination.name", queue),
		))
		defer span.End()

		msg, err := messageFromDelivery(messageType, delivery)
		if err != nil {
			recordSpanError(span, err)
			b.recordDeadLetter(ctx, messageType, "malformed_delivery")
			b.logger.Log(ctx, log.LevelError, "dead-lettering malformed delivery",
				log.String("message_type", messageType),
				log.String("message_id", delivery.MessageId),
				log.Err(err),
			)

			return err
		}

		if err := wrapped(ctx, msg); err != nil {
			recordSpanError(span, err)
			b.recordDeadLetter(ctx, messageType, failureReason(err))
			b.logger.Log(ctx, log.LevelError, "dead-lettering delivery after handler failure",
				log.String("message_type", messageType),
				log.String("message_id", msg.ID.String()),
				log.String("correlation_id", msg.Headers.CorrelationID),
				log.Err(err),
			)

			return err
		}

		b.metrics.deliveriesProcessed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("message_type", messageType),
		))

		return nil
	}
}

// correlationFilter reads correlation state from the inbound message, filling
// in first-hop defaults, and exposes it to the handler as the consumer
// invocation so outgoing messages inherit it.
func correlationFilter(next Handler) Handler {
	return func(ctx context.Context, msg *message.Message) error {
		if msg.Headers.CorrelationID == "" {
			msg.Headers.CorrelationID = msg.ID.String()
		}

		if msg.Headers.CausationID == "" {
			msg.Headers.CausationID = msg.ID.String()
		}

		ctx = message.ContextWithInvocation(ctx, message.Invocation{
			MessageID:     msg.ID,
			Type:          msg.Type,
			CorrelationID: msg.Headers.CorrelationID,
			CausationID:   msg.Headers.CausationID,
			Attempt:       1,
		})

		return next(ctx, msg)
	}
}

// validationFilter short-circuits invalid payloads to the non-retryable path
// before the handler runs. Without a payload factory it is a pass-through;
// structural JSON validity is already guaranteed by Message.Validate.
func (b *Bus) validationFilter(factory func() any) Middleware {
	return func(next Handler) Handler {
		if factory == nil {
			return next
		}

		return func(ctx context.Context, msg *message.Message) error {
			payload := factory()

			if err := json.Unmarshal(msg.Payload, payload); err != nil {
				return retry.Permanent(fmt.Errorf("%w: %w", ErrPayloadValidation, err))
			}

			if err := b.validate.StructCtx(ctx, payload); err != nil {
				return retry.Permanent(fmt.Errorf("%w: %w", ErrPayloadValidation, err))
			}

			return next(ctx, msg)
		}
	}
}

// retryFilter runs the handler under policy, refreshing the invocation
// attempt counter on every try.
func (b *Bus) retryFilter(policy retry.Policy) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *message.Message) error {
			attempt := 0

			return policy.Execute(ctx, func(ctx context.Context) error {
				attempt++

				if inv, ok := message.InvocationFromContext(ctx); ok {
					inv.Attempt = attempt
					ctx = message.ContextWithInvocation(ctx, inv)
				}

				return next(ctx, msg)
			})
		}
	}
}

// messageFromDelivery rebuilds the transport message from an AMQP delivery.
func messageFromDelivery(messageType string, delivery amqp.Delivery) (*message.Message, error) {
	id, err := uuid.Parse(delivery.MessageId)
	if err != nil {
		return nil, fmt.Errorf("%w: bad message id %q: %w", ErrDeliveryNotConvertible, delivery.MessageId, err)
	}

	msgType := delivery.Type
	if msgType == "" {
		msgType = messageType
	}

	msg := &message.Message{
		ID:      id,
		Type:    msgType,
		Payload: delivery.Body,
		Headers: message.HeadersFromAMQPTable(delivery.Headers, delivery.ContentType),
	}

	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeliveryNotConvertible, err)
	}

	return msg, nil
}

func (b *Bus) recordDeadLetter(ctx context.Context, messageType, reason string) {
	b.metrics.deliveriesDeadLetter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message_type", messageType),
		attribute.String("reason", reason),
	))
}

func failureReason(err error) string {
	switch {
	case retry.IsPermanent(err):
		return "permanent"
	case errors.Is(err, retry.ErrExhausted):
		return "retry_exhausted"
	default:
		return "handler_error"
	}
}
