package outbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harborcommerce/lib-eventbus/message"
)

// Message is one outbox row: a transport message frozen inside the business
// transaction that produced it, plus dispatch bookkeeping.
type Message struct {
	ID          uuid.UUID
	MessageType string
	Payload     []byte
	Headers     message.Headers
	Status      Status
	Attempts    int
	CreatedAt   time.Time
	ProcessedAt *time.Time
	LastError   string
}

// NewMessage freezes a transport message into an outbox row in PENDING state.
func NewMessage(msg *message.Message) (*Message, error) {
	if msg == nil {
		return nil, ErrMessageRequired
	}

	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("outbox message: %w", err)
	}

	return &Message{
		ID:          msg.ID,
		MessageType: msg.Type,
		Payload:     msg.Payload,
		Headers:     msg.Headers,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// TransportMessage rehydrates the row into the envelope published to the
// broker. Validation runs again because rows may predate the current
// payload rules.
func (row *Message) TransportMessage() (*message.Message, error) {
	if row == nil {
		return nil, ErrMessageRequired
	}

	msg := &message.Message{
		ID:      row.ID,
		Type:    row.MessageType,
		Payload: row.Payload,
		Headers: row.Headers,
	}

	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("outbox row %s: %w", row.ID, err)
	}

	return msg, nil
}
