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

type publishRecord struct {
	exchange   string
	routingKey string
	publishing amqp.Publishing
}

// fakeConfirmableChannel records publishes and lets tests drive the confirm
// and close streams by hand.
type fakeConfirmableChannel struct {
	mu           sync.Mutex
	confirmErr   error
	publishErr   error
	publishes    []publishRecord
	confirms     chan amqp.Confirmation
	closeNotify  chan *amqp.Error
	closed       bool
	nextTag      uint64
	confirmCalls int
}

func newFakeConfirmableChannel() *fakeConfirmableChannel {
	return &fakeConfirmableChannel{}
}

func (f *fakeConfirmableChannel) Confirm(bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.confirmCalls++

	return f.confirmErr
}

func (f *fakeConfirmableChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.nextTag++
	f.publishes = append(f.publishes, publishRecord{exchange: exchange, routingKey: key, publishing: msg})

	return nil
}

func (f *fakeConfirmableChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.confirms = confirm

	return confirm
}

func (f *fakeConfirmableChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closeNotify = c

	return c
}

func (f *fakeConfirmableChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return amqp.ErrClosed
	}

	f.closed = true
	close(f.closeNotify)

	return nil
}

// ack preloads a confirmation so the next publish sees it immediately.
func (f *fakeConfirmableChannel) ack(tag uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.confirms <- amqp.Confirmation{Ack: true, DeliveryTag: tag}
}

func (f *fakeConfirmableChannel) nack(tag uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.confirms <- amqp.Confirmation{Ack: false, DeliveryTag: tag}
}

func (f *fakeConfirmableChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

func (f *fakeConfirmableChannel) recordedPublishes() []publishRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]publishRecord(nil), f.publishes...)
}

func TestNewConfirmablePublisherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewConfirmablePublisher(nil)
	require.ErrorIs(t, err, ErrChannelRequired)

	var typedNil *fakeConfirmableChannel

	_, err = NewConfirmablePublisher(typedNil)
	require.ErrorIs(t, err, ErrChannelRequired)

	failing := newFakeConfirmableChannel()
	failing.confirmErr = errors.New("confirms unsupported")

	_, err = NewConfirmablePublisher(failing)
	require.ErrorContains(t, err, "failed to enable publisher confirms")
}

func TestPublishAndConfirmAck(t *testing.T) {
	t.Parallel()

	ch := newFakeConfirmableChannel()

	publisher, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	assert.Equal(t, 1, ch.confirmCalls)

	ch.ack(1)

	err = publisher.PublishAndConfirm(context.Background(), "order_created_exchange", "order_created", amqp.Publishing{
		ContentType: "application/json",
		Body:        []byte(`{"order":1}`),
	})
	require.NoError(t, err)

	publishes := ch.recordedPublishes()
	require.Len(t, publishes, 1)
	assert.Equal(t, "order_created_exchange", publishes[0].exchange)
	assert.Equal(t, "order_created", publishes[0].routingKey)
	assert.True(t, publisher.Healthy())
}

func TestPublishAndConfirmNack(t *testing.T) {
	t.Parallel()

	ch := newFakeConfirmableChannel()

	publisher, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	ch.nack(1)

	err = publisher.PublishAndConfirm(context.Background(), "order_created_exchange", "order_created", amqp.Publishing{})
	require.ErrorIs(t, err, ErrNackedByBroker)
}

func TestPublishAndConfirmPublishError(t *testing.T) {
	t.Parallel()

	ch := newFakeConfirmableChannel()
	ch.publishErr = errors.New("broker unavailable")

	publisher, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	err = publisher.PublishAndConfirm(context.Background(), "order_created_exchange", "order_created", amqp.Publishing{})
	require.ErrorIs(t, err, ch.publishErr)
}

func TestPublishAndConfirmTimeoutInvalidatesChannel(t *testing.T) {
	t.Parallel()

	ch := newFakeConfirmableChannel()

	publisher, err := NewConfirmablePublisher(ch, WithConfirmTimeout(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	err = publisher.PublishAndConfirm(context.Background(), "order_created_exchange", "order_created", amqp.Publishing{})
	require.ErrorIs(t, err, ErrConfirmTimeout)

	// The confirm stream is corrupted after a timeout, so the channel must
	// not be reused.
	assert.True(t, ch.isClosed())

	require.Eventually(t, func() bool {
		return publisher.HealthState() == HealthDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestPublishAfterChannelCloseIsUnavailable(t *testing.T) {
	t.Parallel()

	ch := newFakeConfirmableChannel()

	publisher, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	require.NoError(t, ch.Close())

	require.Eventually(t, func() bool {
		return publisher.HealthState() == HealthDisconnected
	}, time.Second, 5*time.Millisecond)

	err = publisher.PublishAndConfirm(context.Background(), "order_created_exchange", "order_created", amqp.Publishing{})
	require.ErrorIs(t, err, ErrChannelUnavailable)
}

func TestPublisherAutoRecovery(t *testing.T) {
	t.Parallel()

	original := newFakeConfirmableChannel()
	replacement := newFakeConfirmableChannel()

	var states []HealthState

	var statesMu sync.Mutex

	publisher, err := NewConfirmablePublisher(original,
		WithChannelProvider(func(context.Context) (ConfirmableChannel, error) {
			return replacement, nil
		}),
		WithRecoveryBackoff(time.Millisecond),
		WithHealthCallback(func(state HealthState) {
			statesMu.Lock()
			states = append(states, state)
			statesMu.Unlock()
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	require.NoError(t, original.Close())

	require.Eventually(t, publisher.Healthy, time.Second, 5*time.Millisecond)

	replacement.ack(1)

	err = publisher.PublishAndConfirm(context.Background(), "order_created_exchange", "order_created", amqp.Publishing{})
	require.NoError(t, err)

	require.Len(t, replacement.recordedPublishes(), 1)
	assert.Empty(t, original.recordedPublishes())

	statesMu.Lock()
	defer statesMu.Unlock()

	assert.Equal(t, []HealthState{HealthReconnecting, HealthConnected}, states)
}

func TestPublisherRecoveryExhaustion(t *testing.T) {
	t.Parallel()

	ch := newFakeConfirmableChannel()

	publisher, err := NewConfirmablePublisher(ch,
		WithChannelProvider(func(context.Context) (ConfirmableChannel, error) {
			return nil, errors.New("broker still down")
		}),
		WithRecoveryBackoff(time.Millisecond),
		WithMaxRecoveryAttempts(2),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	require.NoError(t, ch.Close())

	require.Eventually(t, func() bool {
		return publisher.HealthState() == HealthDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestReconnect(t *testing.T) {
	t.Parallel()

	ch := newFakeConfirmableChannel()

	publisher, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	// A live channel makes Reconnect a no-op.
	require.NoError(t, publisher.Reconnect(context.Background()))

	require.NoError(t, ch.Close())

	require.Eventually(t, func() bool {
		return publisher.HealthState() == HealthDisconnected
	}, time.Second, 5*time.Millisecond)

	// Without a provider there is nothing to reconnect with.
	require.ErrorIs(t, publisher.Reconnect(context.Background()), ErrNoChannelProvider)
}

func TestPublisherClose(t *testing.T) {
	t.Parallel()

	ch := newFakeConfirmableChannel()

	publisher, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)

	require.NoError(t, publisher.Close())
	assert.True(t, ch.isClosed())

	err = publisher.PublishAndConfirm(context.Background(), "order_created_exchange", "order_created", amqp.Publishing{})
	require.ErrorIs(t, err, ErrPublisherClosed)

	require.ErrorIs(t, publisher.Reconnect(context.Background()), ErrPublisherClosed)

	// Close is idempotent.
	require.NoError(t, publisher.Close())
}
