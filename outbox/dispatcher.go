package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/harborcommerce/lib-eventbus/internal/nilcheck"
	"github.com/harborcommerce/lib-eventbus/log"
	"github.com/harborcommerce/lib-eventbus/message"
	"github.com/harborcommerce/lib-eventbus/retry"
)

// Publisher relays a transport message to the broker and returns only after
// the broker confirms it. The bus facade satisfies this.
type Publisher interface {
	Publish(ctx context.Context, msg *message.Message) error
}

// Dispatcher drains the outbox: it periodically claims a batch of PENDING
// rows and publishes them in creation order.
type Dispatcher struct {
	repo      Repository
	publisher Publisher
	logger    log.Logger
	tracer    trace.Tracer
	cfg       DispatcherConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Claimed           int
	Published         int
	Failed            int
	StateUpdateFailed int
}

// NewDispatcher creates an outbox dispatcher draining repo into publisher.
func NewDispatcher(
	repo Repository,
	publisher Publisher,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("eventbus.noop")
	}

	dispatcher := &Dispatcher{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		tracer:    tracer,
		cfg:       DefaultDispatcherConfig(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run executes dispatch cycles every DispatchInterval until Stop is called
// or ctx is canceled. The first cycle runs immediately.
func (dispatcher *Dispatcher) Run(parentCtx context.Context) error {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.publisher == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	dispatcher.logger.Log(ctx, log.LevelInfo, "outbox dispatcher started",
		log.Duration("interval", dispatcher.cfg.DispatchInterval),
		log.Int("batch_size", dispatcher.cfg.BatchSize),
	)
	defer dispatcher.logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher stopped")

	ticker := time.NewTicker(dispatcher.cfg.DispatchInterval)
	defer ticker.Stop()

	dispatcher.runCycle(ctx)

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.runCycle(ctx)
		}
	}
}

func (dispatcher *Dispatcher) runCycle(ctx context.Context) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	dispatcher.DispatchOnce(ctx)
}

// Stop signals the dispatch loop to stop. Safe to call more than once.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle, bounded by ctx.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	go func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce runs a single dispatch cycle: reclaim expired claims, claim
// a batch of PENDING rows, publish each in creation order.
//
// Delivery is at-least-once: the publish happens before MarkProcessed. If
// state persistence fails after a confirmed publish, the row is eventually
// republished, so consumers must stay idempotent.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.publisher == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := dispatcher.logger
	start := time.Now().UTC()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	dispatcher.reclaimStuck(ctx, span)

	rows, err := dispatcher.repo.ListPending(ctx, dispatcher.cfg.BatchSize)
	if err != nil {
		recordSpanError(span, "failed to claim outbox batch", err)
		log.SafeError(logger, ctx, "failed to claim outbox batch", err)

		return DispatchResult{}
	}

	if dispatcher.metrics.batchDepth != nil {
		dispatcher.metrics.batchDepth.Record(ctx, int64(len(rows)))
	}

	var result DispatchResult

	for _, row := range rows {
		// Claimed rows skipped after cancellation stay PROCESSING and
		// are reclaimed once the processing timeout passes.
		if ctx.Err() != nil {
			break
		}

		if row == nil {
			continue
		}

		result.Claimed++
		dispatcher.dispatchRow(ctx, row, &result)
	}

	if dispatcher.metrics.messagesPublished != nil && result.Published > 0 {
		dispatcher.metrics.messagesPublished.Add(ctx, int64(result.Published))
	}

	if dispatcher.metrics.messagesFailed != nil && result.Failed > 0 {
		dispatcher.metrics.messagesFailed.Add(ctx, int64(result.Failed))
	}

	if dispatcher.metrics.dispatchLatency != nil {
		dispatcher.metrics.dispatchLatency.Record(ctx, time.Since(start).Seconds())
	}

	span.SetAttributes(
		attribute.Int("outbox.dispatch.claimed", result.Claimed),
		attribute.Int("outbox.dispatch.published", result.Published),
		attribute.Int("outbox.dispatch.failed", result.Failed),
	)

	return result
}

func (dispatcher *Dispatcher) dispatchRow(ctx context.Context, row *Message, result *DispatchResult) {
	logger := dispatcher.logger

	msg, err := row.TransportMessage()
	if err != nil {
		// Rows that cannot be rehydrated will never publish; they go
		// terminal immediately instead of burning retry cycles.
		if markErr := dispatcher.repo.MarkFailedPermanent(ctx, row.ID, sanitizeErrorForStorage(err)); markErr != nil {
			log.SafeError(logger, ctx, "failed to mark outbox row failed", markErr,
				log.String("message_id", row.ID.String()),
			)
		}

		result.Failed++

		return
	}

	publishErr := dispatcher.cfg.PublishPolicy.Execute(ctx, func(ctx context.Context) error {
		return dispatcher.publisher.Publish(ctx, msg)
	})
	if publishErr != nil {
		dispatcher.handlePublishError(ctx, row, publishErr)

		result.Failed++

		return
	}

	result.Published++

	if err := dispatcher.repo.MarkProcessed(ctx, row.ID, time.Now().UTC()); err != nil {
		logger.Log(ctx, log.LevelError,
			"outbox message published but failed to persist PROCESSED state; message may be republished",
			log.String("message_id", row.ID.String()),
			log.String("error", sanitizeErrorForStorage(err)),
		)

		if dispatcher.metrics.messagesStateStale != nil {
			dispatcher.metrics.messagesStateStale.Add(ctx, 1)
		}

		result.StateUpdateFailed++
	}
}

func (dispatcher *Dispatcher) handlePublishError(ctx context.Context, row *Message, err error) {
	logger := dispatcher.logger

	// Cancellation leaves the row in PROCESSING; the claim expires and the
	// row is reclaimed by a later cycle.
	if ctx.Err() != nil {
		return
	}

	permanent := retry.IsPermanent(err)
	if !permanent && !errors.Is(err, retry.ErrExhausted) {
		if classifier := dispatcher.cfg.PublishPolicy.Classifier; classifier != nil && !classifier.Retryable(err) {
			permanent = true
		}
	}

	if permanent {
		if markErr := dispatcher.repo.MarkFailedPermanent(ctx, row.ID, sanitizeErrorForStorage(err)); markErr != nil {
			log.SafeError(logger, ctx, "failed to mark outbox row failed", markErr,
				log.String("message_id", row.ID.String()),
			)
		}

		return
	}

	if markErr := dispatcher.repo.MarkFailed(ctx, row.ID, sanitizeErrorForStorage(err), dispatcher.cfg.MaxDispatchAttempts); markErr != nil {
		log.SafeError(logger, ctx, "failed to mark outbox row failed", markErr,
			log.String("message_id", row.ID.String()),
		)
	}
}

func (dispatcher *Dispatcher) reclaimStuck(ctx context.Context, span trace.Span) {
	olderThan := time.Now().UTC().Add(-dispatcher.cfg.ProcessingTimeout)

	reclaimed, err := dispatcher.repo.ResetStuckProcessing(ctx, dispatcher.cfg.BatchSize, olderThan)
	if err != nil {
		recordSpanError(span, "failed to reclaim stuck outbox rows", err)
		log.SafeError(dispatcher.logger, ctx, "failed to reclaim stuck outbox rows", err)

		return
	}

	if reclaimed > 0 {
		dispatcher.logger.Log(ctx, log.LevelWarn, "reclaimed stuck outbox rows",
			log.Int("count", reclaimed),
			log.Duration("processing_timeout", dispatcher.cfg.ProcessingTimeout),
		)
	}
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func recordSpanError(span trace.Span, msg string, err error) {
	if span == nil || err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}
