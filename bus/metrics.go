package bus

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type busMetrics struct {
	messagesPublished    metric.Int64Counter
	deliveriesProcessed  metric.Int64Counter
	deliveriesDeadLetter metric.Int64Counter
	publishLatency       metric.Float64Histogram
}

func newBusMetrics(provider metric.MeterProvider) (busMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventbus.bus")

	var (
		metrics busMetrics
		err     error
	)

	metrics.messagesPublished, err = meter.Int64Counter(
		"bus.messages.published",
		metric.WithDescription("Number of messages published and confirmed by the broker"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return busMetrics{}, fmt.Errorf("create bus.messages.published counter: %w", err)
	}

	metrics.deliveriesProcessed, err = meter.Int64Counter(
		"bus.deliveries.processed",
		metric.WithDescription("Number of inbound deliveries acknowledged after handler success"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return busMetrics{}, fmt.Errorf("create bus.deliveries.processed counter: %w", err)
	}

	metrics.deliveriesDeadLetter, err = meter.Int64Counter(
		"bus.deliveries.dead_lettered",
		metric.WithDescription("Number of inbound deliveries handed to the dead-letter exchange"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return busMetrics{}, fmt.Errorf("create bus.deliveries.dead_lettered counter: %w", err)
	}

	metrics.publishLatency, err = meter.Float64Histogram(
		"bus.publish.latency",
		metric.WithDescription("Time from publish to broker confirm"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return busMetrics{}, fmt.Errorf("create bus.publish.latency histogram: %w", err)
	}

	return metrics, nil
}
