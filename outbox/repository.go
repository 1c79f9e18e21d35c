package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transaction handle the outbox writes through. The alias keeps
// callers on plain database/sql transactions, so the outbox insert commits
// or rolls back atomically with their business rows.
type Tx = *sql.Tx

// Repository persists outbox rows and implements the claim protocol the
// dispatcher relies on.
//
// ListPending must claim the rows it returns by moving them PENDING ->
// PROCESSING with a status-checked update, so concurrent dispatcher
// instances never hand out the same row twice. MarkProcessed and MarkFailed
// must only touch rows still in PROCESSING.
type Repository interface {
	// Create inserts a row outside any caller transaction. Intended for
	// tests and backfills; production writes go through CreateWithTx.
	Create(ctx context.Context, row *Message) error

	// CreateWithTx inserts a row inside the caller's open transaction.
	CreateWithTx(ctx context.Context, tx Tx, row *Message) error

	// ListPending claims up to limit PENDING rows in created_at order and
	// returns them in PROCESSING state.
	ListPending(ctx context.Context, limit int) ([]*Message, error)

	// MarkProcessed finalizes a claimed row after a confirmed publish.
	MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error

	// MarkFailed records a publish failure on a claimed row: the row
	// returns to PENDING with attempts incremented, or moves to the
	// terminal FAILED state once attempts reach maxAttempts.
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string, maxAttempts int) error

	// MarkFailedPermanent moves a claimed row straight to FAILED,
	// regardless of remaining attempts.
	MarkFailedPermanent(ctx context.Context, id uuid.UUID, lastError string) error

	// ResetStuckProcessing returns rows claimed before olderThan to
	// PENDING and reports how many were reclaimed.
	ResetStuckProcessing(ctx context.Context, limit int, olderThan time.Time) (int, error)
}
