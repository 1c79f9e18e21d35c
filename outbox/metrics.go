package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	messagesPublished  metric.Int64Counter
	messagesFailed     metric.Int64Counter
	messagesStateStale metric.Int64Counter
	dispatchLatency    metric.Float64Histogram
	batchDepth         metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventbus.outbox.dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.messagesPublished, err = meter.Int64Counter(
		"outbox.messages.published",
		metric.WithDescription("Number of outbox messages published and confirmed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.published counter: %w", err)
	}

	metrics.messagesFailed, err = meter.Int64Counter(
		"outbox.messages.failed",
		metric.WithDescription("Number of outbox messages that failed to publish"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.failed counter: %w", err)
	}

	metrics.messagesStateStale, err = meter.Int64Counter(
		"outbox.messages.state_update_failed",
		metric.WithDescription("Number of outbox messages published but not persisted as processed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.state_update_failed counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	metrics.batchDepth, err = meter.Int64Gauge(
		"outbox.dispatch.batch_depth",
		metric.WithDescription("Number of outbox rows claimed in a dispatch cycle"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.batch_depth gauge: %w", err)
	}

	return metrics, nil
}
