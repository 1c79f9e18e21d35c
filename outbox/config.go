package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/harborcommerce/lib-eventbus/retry"
)

const (
	defaultDispatchInterval    = 5 * time.Second
	defaultBatchSize           = 50
	defaultMaxDispatchAttempts = 5
	defaultProcessingTimeout   = 5 * time.Minute
)

// DispatcherConfig tunes the dispatch loop.
type DispatcherConfig struct {
	// DispatchInterval is the pause between dispatch cycles.
	DispatchInterval time.Duration

	// BatchSize bounds the rows claimed per cycle.
	BatchSize int

	// MaxDispatchAttempts is the per-row budget of dispatch cycles before
	// the row moves to the terminal FAILED state.
	MaxDispatchAttempts int

	// ProcessingTimeout is how long a PROCESSING claim may stand before
	// another instance is allowed to reclaim the row. It must exceed the
	// worst-case publish duration including in-cycle retries.
	ProcessingTimeout time.Duration

	// PublishPolicy bounds broker publish attempts within one cycle.
	PublishPolicy retry.Policy

	// MeterProvider overrides the global OTel meter provider, mainly in
	// tests.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval:    defaultDispatchInterval,
		BatchSize:           defaultBatchSize,
		MaxDispatchAttempts: defaultMaxDispatchAttempts,
		ProcessingTimeout:   defaultProcessingTimeout,
		PublishPolicy:       retry.DefaultPolicy(),
	}
}

func (cfg *DispatcherConfig) normalize() {
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaultDispatchInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	if cfg.MaxDispatchAttempts <= 0 {
		cfg.MaxDispatchAttempts = defaultMaxDispatchAttempts
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaultProcessingTimeout
	}

	if cfg.PublishPolicy.MaxAttempts <= 0 {
		cfg.PublishPolicy = retry.DefaultPolicy()
	}
}

// DispatcherOption customizes the dispatcher at construction time.
type DispatcherOption func(*Dispatcher)

// WithDispatchInterval sets the pause between dispatch cycles.
func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.DispatchInterval = interval
	}
}

// WithBatchSize sets the maximum rows claimed per cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.BatchSize = size
	}
}

// WithMaxDispatchAttempts sets the per-row dispatch budget.
func WithMaxDispatchAttempts(attempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.MaxDispatchAttempts = attempts
	}
}

// WithProcessingTimeout sets the claim expiry for stuck PROCESSING rows.
func WithProcessingTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.ProcessingTimeout = timeout
	}
}

// WithPublishPolicy sets the in-cycle broker publish retry policy.
func WithPublishPolicy(policy retry.Policy) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.PublishPolicy = policy
	}
}

// WithMeterProvider overrides the OTel meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.MeterProvider = provider
	}
}
