package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/harborcommerce/lib-eventbus/backoff"
	"github.com/harborcommerce/lib-eventbus/internal/nilcheck"
	"github.com/harborcommerce/lib-eventbus/log"
)

const (
	defaultConfirmTimeout      = 10 * time.Second
	defaultMaxRecoveryAttempts = 5
	defaultRecoveryBackoffBase = time.Second

	// confirmBufferSize keeps NotifyPublish from blocking the client's
	// confirm delivery goroutine.
	confirmBufferSize = 256
)

var (
	ErrChannelRequired    = errors.New("rabbitmq channel is required")
	ErrPublisherClosed    = errors.New("rabbitmq publisher is closed")
	ErrChannelUnavailable = errors.New("rabbitmq channel is unavailable")
	ErrNackedByBroker     = errors.New("rabbitmq publish nacked by broker")
	ErrConfirmTimeout     = errors.New("rabbitmq publish confirm timed out")
	ErrNoChannelProvider  = errors.New("rabbitmq channel provider is not configured")
)

// HealthState describes the publisher's view of its channel.
type HealthState int32

const (
	HealthConnected HealthState = iota
	HealthReconnecting
	HealthDisconnected
)

// String returns the lowercase name of the state.
func (s HealthState) String() string {
	switch s {
	case HealthConnected:
		return "connected"
	case HealthReconnecting:
		return "reconnecting"
	case HealthDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConfirmableChannel is the subset of *amqp.Channel the publisher needs.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// ChannelProvider supplies a fresh channel during recovery.
type ChannelProvider func(ctx context.Context) (ConfirmableChannel, error)

// HealthCallback is invoked on every health state transition. It runs on the
// publisher's internal goroutines and must not block.
type HealthCallback func(state HealthState)

// ConfirmablePublisher publishes with broker confirms enabled. Publishes are
// serialized so each confirmation can be matched to the publish that produced
// it, which is what makes a nack attributable to a specific message.
//
// When a ChannelProvider is configured the publisher recovers closed channels
// automatically with jittered backoff; without one a closed channel leaves
// the publisher unavailable until Reconnect is called with a new channel
// source.
type ConfirmablePublisher struct {
	logger              log.Logger
	confirmTimeout      time.Duration
	provider            ChannelProvider
	maxRecoveryAttempts int
	recoveryBackoffBase time.Duration
	healthCallback      HealthCallback

	// publishMu serializes publish+confirm pairs.
	publishMu sync.Mutex

	// mu guards the channel state below.
	mu       sync.Mutex
	channel  ConfirmableChannel
	confirms chan amqp.Confirmation
	closedCh chan struct{}
	health   HealthState
	shutdown bool

	recoveryWg sync.WaitGroup
}

// PublisherOption configures a ConfirmablePublisher.
type PublisherOption func(*ConfirmablePublisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(p *ConfirmablePublisher) {
		if !nilcheck.Interface(logger) {
			p.logger = logger
		}
	}
}

// WithConfirmTimeout bounds how long a publish waits for the broker ack.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *ConfirmablePublisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithChannelProvider enables automatic recovery using provider to obtain
// replacement channels.
func WithChannelProvider(provider ChannelProvider) PublisherOption {
	return func(p *ConfirmablePublisher) {
		p.provider = provider
	}
}

// WithMaxRecoveryAttempts bounds one recovery cycle.
func WithMaxRecoveryAttempts(attempts int) PublisherOption {
	return func(p *ConfirmablePublisher) {
		if attempts > 0 {
			p.maxRecoveryAttempts = attempts
		}
	}
}

// WithRecoveryBackoff sets the base delay between recovery attempts.
func WithRecoveryBackoff(base time.Duration) PublisherOption {
	return func(p *ConfirmablePublisher) {
		if base > 0 {
			p.recoveryBackoffBase = base
		}
	}
}

// WithHealthCallback registers a callback for health state transitions.
func WithHealthCallback(callback HealthCallback) PublisherOption {
	return func(p *ConfirmablePublisher) {
		p.healthCallback = callback
	}
}

// NewConfirmablePublisher puts ch into confirm mode and starts monitoring it
// for closure.
func NewConfirmablePublisher(ch ConfirmableChannel, opts ...PublisherOption) (*ConfirmablePublisher, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	publisher := &ConfirmablePublisher{
		logger:              log.NewNop(),
		confirmTimeout:      defaultConfirmTimeout,
		maxRecoveryAttempts: defaultMaxRecoveryAttempts,
		recoveryBackoffBase: defaultRecoveryBackoffBase,
		health:              HealthConnected,
	}

	for _, opt := range opts {
		opt(publisher)
	}

	if err := publisher.installChannel(ch); err != nil {
		return nil, err
	}

	return publisher, nil
}

// installChannel switches the publisher onto ch: enables confirm mode, wires
// the confirm stream, and starts the close monitor.
func (p *ConfirmablePublisher) installChannel(ch ConfirmableChannel) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBufferSize))
	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))
	closedCh := make(chan struct{})

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		_ = ch.Close()

		return ErrPublisherClosed
	}

	p.channel = ch
	p.confirms = confirms
	p.closedCh = closedCh
	p.setHealthLocked(HealthConnected)
	p.mu.Unlock()

	go p.monitorClose(ch, closeNotify, closedCh)

	return nil
}

// monitorClose waits for the channel to close and kicks off recovery.
func (p *ConfirmablePublisher) monitorClose(ch ConfirmableChannel, closeNotify chan *amqp.Error, closedCh chan struct{}) {
	amqpErr := <-closeNotify
	close(closedCh)

	p.mu.Lock()
	// A stale monitor for an already-replaced channel must not touch state.
	if p.channel != ch {
		p.mu.Unlock()

		return
	}

	p.channel = nil
	p.confirms = nil
	shutdown := p.shutdown
	hasProvider := p.provider != nil

	if !shutdown {
		if hasProvider {
			p.setHealthLocked(HealthReconnecting)
			// Registered under mu so Close cannot observe a zero counter
			// between this Add and its Wait.
			p.recoveryWg.Add(1)
		} else {
			p.setHealthLocked(HealthDisconnected)
		}
	}
	p.mu.Unlock()

	if shutdown {
		return
	}

	if amqpErr != nil {
		p.logger.Log(context.Background(), log.LevelWarn, "rabbitmq publisher channel closed",
			log.String("reason", amqpErr.Reason),
			log.Int("code", amqpErr.Code),
		)
	}

	if hasProvider {
		go p.recover()
	}
}

// recover runs one bounded recovery cycle.
func (p *ConfirmablePublisher) recover() {
	defer p.recoveryWg.Done()

	ctx := context.Background()

	for attempt := 1; attempt <= p.maxRecoveryAttempts; attempt++ {
		delay := backoff.ExponentialWithJitter(p.recoveryBackoffBase, attempt-1)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if err := backoff.WaitContext(ctx, delay); err != nil {
			return
		}

		p.mu.Lock()
		if p.shutdown || p.channel != nil {
			p.mu.Unlock()

			return
		}
		p.mu.Unlock()

		ch, err := p.provider(ctx)
		if err != nil || nilcheck.Interface(ch) {
			p.logger.Log(ctx, log.LevelWarn, "rabbitmq publisher recovery attempt failed",
				log.Int("attempt", attempt),
				log.Err(err),
			)

			continue
		}

		if err := p.installChannel(ch); err != nil {
			p.logger.Log(ctx, log.LevelWarn, "rabbitmq publisher recovery could not enable confirms",
				log.Int("attempt", attempt),
				log.Err(err),
			)

			_ = ch.Close()

			continue
		}

		p.logger.Log(ctx, log.LevelInfo, "rabbitmq publisher recovered",
			log.Int("attempt", attempt),
		)

		return
	}

	p.mu.Lock()
	p.setHealthLocked(HealthDisconnected)
	p.mu.Unlock()

	p.logger.Log(ctx, log.LevelError, "rabbitmq publisher recovery exhausted",
		log.Int("attempts", p.maxRecoveryAttempts),
	)
}

// PublishAndConfirm publishes to exchange with routingKey and blocks until
// the broker acks, nacks, the confirm wait times out, or ctx is done.
func (p *ConfirmablePublisher) PublishAndConfirm(ctx context.Context, exchange, routingKey string, publishing amqp.Publishing) error {
	if p == nil {
		return ErrChannelRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()

		return ErrPublisherClosed
	}

	ch := p.channel
	confirms := p.confirms
	closedCh := p.closedCh
	p.mu.Unlock()

	if ch == nil {
		return ErrChannelUnavailable
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", exchange, err)
	}

	return p.waitForConfirm(ctx, ch, confirms, closedCh)
}

// waitForConfirm blocks for the single outstanding confirmation. A timeout
// corrupts the publish/confirm pairing, so the channel is discarded rather
// than reused.
func (p *ConfirmablePublisher) waitForConfirm(ctx context.Context, ch ConfirmableChannel, confirms chan amqp.Confirmation, closedCh chan struct{}) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-confirms:
		if !ok {
			return ErrChannelUnavailable
		}

		if !confirm.Ack {
			return fmt.Errorf("%w: delivery tag %d", ErrNackedByBroker, confirm.DeliveryTag)
		}

		return nil

	case <-closedCh:
		return ErrChannelUnavailable

	case <-timer.C:
		p.invalidateChannel(ch)

		return ErrConfirmTimeout

	case <-ctx.Done():
		p.invalidateChannel(ch)

		return fmt.Errorf("publish confirm wait: %w", ctx.Err())
	}
}

// invalidateChannel closes ch so its close monitor fires and, when a provider
// is configured, recovery replaces it.
func (p *ConfirmablePublisher) invalidateChannel(ch ConfirmableChannel) {
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		p.logger.Log(context.Background(), log.LevelWarn, "failed to close corrupted rabbitmq channel", log.Err(err))
	}
}

// Reconnect manually switches the publisher onto a fresh channel. It is
// valid only while the publisher has no usable channel and is not shut down.
func (p *ConfirmablePublisher) Reconnect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()

		return ErrPublisherClosed
	}

	if p.channel != nil {
		p.mu.Unlock()

		return nil
	}

	provider := p.provider
	p.mu.Unlock()

	if provider == nil {
		return ErrNoChannelProvider
	}

	ch, err := provider(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain replacement channel: %w", err)
	}

	if nilcheck.Interface(ch) {
		return ErrChannelUnavailable
	}

	return p.installChannel(ch)
}

// HealthState returns the publisher's current health.
func (p *ConfirmablePublisher) HealthState() HealthState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.health
}

// Healthy reports whether the publisher currently holds a usable channel.
func (p *ConfirmablePublisher) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return !p.shutdown && p.channel != nil && p.health == HealthConnected
}

// Close shuts the publisher down and releases the channel. In-flight
// recovery goroutines are waited out.
func (p *ConfirmablePublisher) Close() error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()

		return nil
	}

	p.shutdown = true
	ch := p.channel
	confirms := p.confirms
	p.channel = nil
	p.confirms = nil
	p.setHealthLocked(HealthDisconnected)
	p.mu.Unlock()

	var closeErr error

	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			closeErr = fmt.Errorf("failed to close rabbitmq channel: %w", err)
		}
	}

	p.recoveryWg.Wait()
	drainConfirms(confirms)

	return closeErr
}

// setHealthLocked updates health and fires the callback. Caller holds mu;
// the callback contract forbids blocking, so invoking it under the lock is
// acceptable.
func (p *ConfirmablePublisher) setHealthLocked(state HealthState) {
	if p.health == state {
		return
	}

	p.health = state

	if p.healthCallback != nil {
		p.healthCallback(state)
	}
}

// drainConfirms discards buffered confirmations so the client's confirm
// goroutine is never blocked on a channel nobody reads.
func drainConfirms(confirms chan amqp.Confirmation) {
	if confirms == nil {
		return
	}

	for {
		select {
		case _, ok := <-confirms:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
