package bus

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/harborcommerce/lib-eventbus/message"
)

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var data metricdata.ResourceMetrics

	require.NoError(t, reader.Collect(context.Background(), &data))

	for _, scope := range data.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)

			var total int64
			for _, point := range sum.DataPoints {
				total += point.Value
			}

			return total
		}
	}

	return 0
}

func TestPublishRecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	declarer := &fakeDeclarer{}
	publisher := newFakeBusPublisher()

	b, err := New(declarer, publisher, WithMeterProvider(provider))
	require.NoError(t, err)

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		msg, err := message.New(ctx, "OrderCreated", []byte(`{"order":1}`))
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, msg))
	}

	assert.Equal(t, int64(2), counterValue(t, reader, "bus.messages.published"))
}

func TestSubscribeRecordsDeadLetterMetric(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	consumer := &fakeBusConsumer{
		deliveries: []amqp.Delivery{newDelivery(t, "OrderCreated", "corr-123", []byte(`{"order":1}`))},
	}

	b, err := New(&fakeDeclarer{}, newFakeBusPublisher(),
		WithMeterProvider(provider),
		WithConsumer(consumer),
	)
	require.NoError(t, err)

	err = b.Subscribe(context.Background(), "OrderCreated", func(context.Context, *message.Message) error {
		return assert.AnError
	}, WithRetryPolicy(fastPolicy(1)))
	require.NoError(t, err)

	assert.Equal(t, int64(1), counterValue(t, reader, "bus.deliveries.dead_lettered"))
	assert.Equal(t, int64(0), counterValue(t, reader, "bus.deliveries.processed"))
}
