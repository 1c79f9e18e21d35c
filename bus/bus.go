package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborcommerce/lib-eventbus/internal/nilcheck"
	"github.com/harborcommerce/lib-eventbus/log"
	"github.com/harborcommerce/lib-eventbus/message"
	"github.com/harborcommerce/lib-eventbus/outbox"
	"github.com/harborcommerce/lib-eventbus/rabbitmq"
	"github.com/harborcommerce/lib-eventbus/topology"
)

// The bus is the publisher the outbox dispatcher drains into.
var _ outbox.Publisher = (*Bus)(nil)

var (
	ErrDeclarerRequired  = errors.New("bus topology declarer is required")
	ErrPublisherRequired = errors.New("bus publisher is required")
	ErrConsumerRequired  = errors.New("bus consumer is required")
	ErrNotReady          = errors.New("bus transport is not ready")
)

// Publisher is the confirm-publishing contract the bus needs from the
// transport. *rabbitmq.ConfirmablePublisher satisfies it.
type Publisher interface {
	PublishAndConfirm(ctx context.Context, exchange, routingKey string, publishing amqp.Publishing) error
	Healthy() bool
}

// Consumer pulls deliveries from one queue. *rabbitmq.Consumer satisfies it.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler) error
}

// HealthProbe is an additional readiness input, typically the connection
// hub's management-API health check.
type HealthProbe func(ctx context.Context) error

// Bus unifies publish and consume behind one interface. Topology is resolved
// and declared once per message type and shared by both paths.
type Bus struct {
	declarer  topology.AMQPChannel
	publisher Publisher
	consumer  Consumer
	logger    log.Logger
	tracer    trace.Tracer
	validate  *validator.Validate
	probe     HealthProbe
	metrics   busMetrics

	topologyMu sync.Mutex
	topologies map[string]topology.Topology
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(b *Bus) {
		if !nilcheck.Interface(logger) {
			b.logger = logger
		}
	}
}

// WithConsumer enables Subscribe.
func WithConsumer(consumer Consumer) Option {
	return func(b *Bus) {
		if !nilcheck.Interface(consumer) {
			b.consumer = consumer
		}
	}
}

// WithHealthProbe adds a transport health input to Readiness.
func WithHealthProbe(probe HealthProbe) Option {
	return func(b *Bus) {
		b.probe = probe
	}
}

// WithValidator replaces the payload validator used by the validation filter.
func WithValidator(validate *validator.Validate) Option {
	return func(b *Bus) {
		if validate != nil {
			b.validate = validate
		}
	}
}

// WithMeterProvider sets the OTel meter provider for bus metrics.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(b *Bus) {
		if metrics, err := newBusMetrics(provider); err == nil {
			b.metrics = metrics
		}
	}
}

// New creates a Bus over declarer and publisher. Subscribe requires the
// WithConsumer option; a publish-only bus omits it.
func New(declarer topology.AMQPChannel, publisher Publisher, opts ...Option) (*Bus, error) {
	if nilcheck.Interface(declarer) {
		return nil, ErrDeclarerRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	bus := &Bus{
		declarer:   declarer,
		publisher:  publisher,
		logger:     log.NewNop(),
		tracer:     otel.Tracer("eventbus.bus"),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		topologies: make(map[string]topology.Topology),
	}

	for _, opt := range opts {
		opt(bus)
	}

	if bus.metrics == (busMetrics{}) {
		metrics, err := newBusMetrics(nil)
		if err != nil {
			return nil, err
		}

		bus.metrics = metrics
	}

	return bus, nil
}

// ensureTopology resolves and declares the topology for msgType exactly once
// per bus instance.
func (b *Bus) ensureTopology(msgType string) (topology.Topology, error) {
	b.topologyMu.Lock()
	defer b.topologyMu.Unlock()

	if top, ok := b.topologies[msgType]; ok {
		return top, nil
	}

	top, err := topology.Resolve(msgType)
	if err != nil {
		return topology.Topology{}, err
	}

	if err := topology.Declare(b.declarer, top); err != nil {
		return topology.Topology{}, fmt.Errorf("failed to declare topology for %s: %w", msgType, err)
	}

	b.topologies[msgType] = top

	return top, nil
}

// Publish resolves topology for msg.Type, publishes to the primary exchange,
// and blocks until the broker confirms. It satisfies the outbox dispatcher's
// publisher contract.
func (b *Bus) Publish(ctx context.Context, msg *message.Message) error {
	if b == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := msg.Validate(); err != nil {
		return err
	}

	ctx, span := b.tracer.Start(ctx, "bus.publish", trace.WithAttributes(
		attribute.String("messaging.message.type", msg.Type),
		attribute.String("messaging.message.id", msg.ID.String()),
	))
	defer span.End()

	top, err := b.ensureTopology(msg.Type)
	if err != nil {
		recordSpanError(span, err)

		return err
	}

	publishing := amqp.Publishing{
		MessageId:    msg.ID.String(),
		Type:         msg.Type,
		ContentType:  message.ContentTypeJSON,
		Headers:      msg.Headers.ToAMQPTable(msg.Type),
		Body:         msg.Payload,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
	}

	started := time.Now()

	if err := b.publisher.PublishAndConfirm(ctx, top.PrimaryExchange, top.RoutingKey, publishing); err != nil {
		recordSpanError(span, err)
		b.logger.Log(ctx, log.LevelError, "failed to publish message",
			log.String("message_type", msg.Type),
			log.String("message_id", msg.ID.String()),
			log.Err(err),
		)

		return err
	}

	b.metrics.messagesPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message_type", msg.Type),
	))
	b.metrics.publishLatency.Record(ctx, time.Since(started).Seconds())

	b.logger.Log(ctx, log.LevelDebug, "message published",
		log.String("message_type", msg.Type),
		log.String("message_id", msg.ID.String()),
		log.String("exchange", top.PrimaryExchange),
	)

	return nil
}

// Readiness reports whether the bus can reach the broker. A failing result
// must flip the owning process's readiness probe.
func (b *Bus) Readiness(ctx context.Context) error {
	if b == nil {
		return ErrNotReady
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if !b.publisher.Healthy() {
		return fmt.Errorf("%w: publisher channel unavailable", ErrNotReady)
	}

	if b.probe != nil {
		if err := b.probe(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrNotReady, err)
		}
	}

	return nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
