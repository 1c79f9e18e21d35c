package outbox

import (
	"context"
	"fmt"

	"github.com/harborcommerce/lib-eventbus/internal/nilcheck"
	"github.com/harborcommerce/lib-eventbus/message"
)

// Enqueue freezes msg into a pending outbox row and appends it inside the
// caller's transaction. The row commits or rolls back together with the
// business mutation; the outbox never begins a business transaction itself.
func Enqueue(ctx context.Context, repo Repository, tx Tx, msg *message.Message) (*Message, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	row, err := NewMessage(msg)
	if err != nil {
		return nil, err
	}

	if err := repo.CreateWithTx(ctx, tx, row); err != nil {
		return nil, fmt.Errorf("failed to enqueue outbox message: %w", err)
	}

	return row, nil
}
