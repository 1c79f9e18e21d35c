package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborcommerce/lib-eventbus/backoff"
	"github.com/harborcommerce/lib-eventbus/log"
)

var (
	ErrOperationRequired = errors.New("retry operation is required")
	ErrExhausted         = errors.New("retry attempts exhausted")
)

// Classifier decides whether a failed operation is worth retrying.
// Returning false short-circuits the remaining attempts.
type Classifier interface {
	Retryable(err error) bool
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(err error) bool

func (f ClassifierFunc) Retryable(err error) bool {
	return f(err)
}

// Policy bounds a retried operation: deterministic exponential spacing
// (no jitter, so test runs and log timelines stay reproducible) with a
// hard attempt ceiling.
type Policy struct {
	// MaxAttempts is the total number of invocations, first try included.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt; each subsequent
	// wait grows by Multiplier, capped at MaxDelay.
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration

	// Classifier marks errors as permanent. Nil means every error is
	// retryable. Errors wrapped by Permanent stop retrying regardless.
	Classifier Classifier

	Logger log.Logger
}

// DefaultPolicy bounds consumer message handling: three attempts spaced
// 100ms, 200ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    5 * time.Second,
	}
}

// PipelinePolicy bounds longer background work such as outbox publishing,
// where a broker restart should be survivable: five attempts with delays
// capped at one minute.
func PipelinePolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    time.Minute,
	}
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	if p.Multiplier < 1 {
		p.Multiplier = 1
	}

	if p.Logger == nil {
		p.Logger = log.NewNop()
	}

	return p
}

// Execute runs op until it succeeds, the error is classified permanent, the
// attempt budget is spent, or ctx is canceled. The delay before attempt n+1
// is BaseDelay * Multiplier^(n-1), capped at MaxDelay.
func (p Policy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if op == nil {
		return ErrOperationRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	p = p.normalize()
	span := trace.SpanFromContext(ctx)

	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if IsPermanent(lastErr) || (p.Classifier != nil && !p.Classifier.Retryable(lastErr)) {
			span.AddEvent("retry.permanent_failure", trace.WithAttributes(
				attribute.Int("retry.attempt", attempt),
			))
			p.Logger.Log(ctx, log.LevelWarn, "operation failed permanently, not retrying",
				log.Int("attempt", attempt),
				log.Err(lastErr),
			)

			return lastErr
		}

		if attempt == p.MaxAttempts {
			break
		}

		delay := backoff.Scaled(p.BaseDelay, p.Multiplier, attempt-1, p.MaxDelay)

		span.AddEvent("retry.attempt_failed", trace.WithAttributes(
			attribute.Int("retry.attempt", attempt),
			attribute.String("retry.next_delay", delay.String()),
		))
		p.Logger.Log(ctx, log.LevelWarn, "operation failed, retrying",
			log.Int("attempt", attempt),
			log.Int("max_attempts", p.MaxAttempts),
			log.Duration("delay", delay),
			log.Err(lastErr),
		)

		if err := backoff.WaitContext(ctx, delay); err != nil {
			return fmt.Errorf("retry aborted: %w", err)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps err so Execute returns it without further attempts.
// Handlers use it for failures that cannot heal with time, such as
// malformed payloads.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsPermanent reports whether err carries a Permanent marker anywhere in
// its chain.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
