package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type qosCall struct {
	prefetchCount int
	prefetchSize  int
	global        bool
}

type fakeConsumeChannel struct {
	mu         sync.Mutex
	qosCalls   []qosCall
	qosErr     error
	consumeErr error
	deliveries chan amqp.Delivery
	queue      string
	tag        string
}

func newFakeConsumeChannel() *fakeConsumeChannel {
	return &fakeConsumeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (f *fakeConsumeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.qosCalls = append(f.qosCalls, qosCall{prefetchCount: prefetchCount, prefetchSize: prefetchSize, global: global})

	return f.qosErr
}

func (f *fakeConsumeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.consumeErr != nil {
		return nil, f.consumeErr
	}

	f.queue = queue
	f.tag = consumer

	return f.deliveries, nil
}

type ackRecord struct {
	tag      uint64
	multiple bool
}

type nackRecord struct {
	tag      uint64
	multiple bool
	requeue  bool
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	acks  []ackRecord
	nacks []nackRecord
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.acks = append(f.acks, ackRecord{tag: tag, multiple: multiple})

	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nacks = append(f.nacks, nackRecord{tag: tag, multiple: multiple, requeue: requeue})

	return nil
}

func (f *fakeAcknowledger) Reject(uint64, bool) error {
	return nil
}

func (f *fakeAcknowledger) snapshot() ([]ackRecord, []nackRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]ackRecord(nil), f.acks...), append([]nackRecord(nil), f.nacks...)
}

func TestNewConsumerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewConsumer(nil)
	require.ErrorIs(t, err, ErrConsumeChannelRequired)

	var typedNil *fakeConsumeChannel

	_, err = NewConsumer(typedNil)
	require.ErrorIs(t, err, ErrConsumeChannelRequired)
}

func TestConsumeValidation(t *testing.T) {
	t.Parallel()

	consumer, err := NewConsumer(newFakeConsumeChannel())
	require.NoError(t, err)

	ctx := context.Background()

	require.ErrorIs(t, consumer.Consume(ctx, "", func(context.Context, amqp.Delivery) error { return nil }), ErrQueueNameRequired)
	require.ErrorIs(t, consumer.Consume(ctx, "order_created", nil), ErrHandlerRequired)
}

func TestConsumeAcksOnHandlerSuccess(t *testing.T) {
	t.Parallel()

	ch := newFakeConsumeChannel()
	acker := &fakeAcknowledger{}

	consumer, err := NewConsumer(ch, WithPrefetchCount(3), WithConsumerTag("orders-worker"))
	require.NoError(t, err)

	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 7, Body: []byte(`{"order":1}`)}

	ctx, cancel := context.WithCancel(context.Background())

	var handled [][]byte

	var handledMu sync.Mutex

	done := make(chan error, 1)

	go func() {
		done <- consumer.Consume(ctx, "order_created", func(_ context.Context, d amqp.Delivery) error {
			handledMu.Lock()
			handled = append(handled, d.Body)
			handledMu.Unlock()

			return nil
		})
	}()

	require.Eventually(t, func() bool {
		acks, _ := acker.snapshot()

		return len(acks) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	acks, nacks := acker.snapshot()
	require.Len(t, acks, 1)
	assert.Equal(t, uint64(7), acks[0].tag)
	assert.False(t, acks[0].multiple)
	assert.Empty(t, nacks)

	handledMu.Lock()
	defer handledMu.Unlock()

	require.Len(t, handled, 1)
	assert.JSONEq(t, `{"order":1}`, string(handled[0]))

	assert.Equal(t, []qosCall{{prefetchCount: 3}}, ch.qosCalls)
	assert.Equal(t, "order_created", ch.queue)
	assert.Equal(t, "orders-worker", ch.tag)
}

func TestConsumeNacksWithoutRequeueOnHandlerFailure(t *testing.T) {
	t.Parallel()

	ch := newFakeConsumeChannel()
	acker := &fakeAcknowledger{}

	consumer, err := NewConsumer(ch)
	require.NoError(t, err)

	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 3}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- consumer.Consume(ctx, "order_created", func(context.Context, amqp.Delivery) error {
			return errors.New("handler blew up")
		})
	}()

	require.Eventually(t, func() bool {
		_, nacks := acker.snapshot()

		return len(nacks) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	acks, nacks := acker.snapshot()
	assert.Empty(t, acks)
	require.Len(t, nacks, 1)
	assert.Equal(t, uint64(3), nacks[0].tag)

	// requeue=false hands the delivery to the dead-letter exchange.
	assert.False(t, nacks[0].requeue)
}

func TestConsumeStopsWhenDeliveryStreamCloses(t *testing.T) {
	t.Parallel()

	ch := newFakeConsumeChannel()

	consumer, err := NewConsumer(ch)
	require.NoError(t, err)

	close(ch.deliveries)

	err = consumer.Consume(context.Background(), "order_created", func(context.Context, amqp.Delivery) error { return nil })
	require.ErrorIs(t, err, ErrDeliveriesClosed)
}

func TestConsumePropagatesSetupErrors(t *testing.T) {
	t.Parallel()

	handler := func(context.Context, amqp.Delivery) error { return nil }

	qosFailing := newFakeConsumeChannel()
	qosFailing.qosErr = errors.New("qos rejected")

	consumer, err := NewConsumer(qosFailing)
	require.NoError(t, err)
	require.ErrorIs(t, consumer.Consume(context.Background(), "order_created", handler), qosFailing.qosErr)

	consumeFailing := newFakeConsumeChannel()
	consumeFailing.consumeErr = errors.New("queue missing")

	consumer, err = NewConsumer(consumeFailing)
	require.NoError(t, err)
	require.ErrorIs(t, consumer.Consume(context.Background(), "order_created", handler), consumeFailing.consumeErr)
}
