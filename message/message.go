package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds payload size for bus and outbox messages.
const DefaultMaxPayloadBytes = 1 << 20

var (
	ErrMessageRequired   = errors.New("message is required")
	ErrTypeRequired      = errors.New("message type is required")
	ErrPayloadRequired   = errors.New("message payload is required")
	ErrPayloadTooLarge   = errors.New("message payload exceeds maximum allowed size")
	ErrPayloadNotJSON    = errors.New("message payload must be valid JSON")
	ErrIDGenerationFault = errors.New("message id generation failed")
)

// Message is the transport envelope carried through the outbox and the bus.
//
// ID is a time-ordered UUIDv7 so storage order matches creation order.
// Payload is the serialized domain event; Headers carry correlation state
// across service boundaries.
type Message struct {
	ID      uuid.UUID
	Type    string
	Payload []byte
	Headers Headers
}

// New creates a message of msgType carrying payload.
//
// Correlation and causation ids are inherited from the consumer invocation
// in ctx when present; on a first hop (no inbound delivery) a fresh
// correlation id is generated and causation is the message's own id.
func New(ctx context.Context, msgType string, payload []byte) (*Message, error) {
	msgType = strings.TrimSpace(msgType)
	if msgType == "" {
		return nil, ErrTypeRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIDGenerationFault, err)
	}

	headers := Headers{ContentType: ContentTypeJSON}

	if inv, ok := InvocationFromContext(ctx); ok {
		headers.CorrelationID = inv.CorrelationID
		headers.CausationID = inv.MessageID.String()
	}

	if headers.CorrelationID == "" {
		headers.CorrelationID = id.String()
	}

	if headers.CausationID == "" {
		headers.CausationID = id.String()
	}

	return &Message{
		ID:      id,
		Type:    msgType,
		Payload: payload,
		Headers: headers,
	}, nil
}

// Validate checks the structural invariants enforced by New. Messages
// rehydrated from storage go through Validate before publishing.
func (msg *Message) Validate() error {
	if msg == nil {
		return ErrMessageRequired
	}

	if msg.ID == uuid.Nil {
		return errors.New("message id is required")
	}

	if strings.TrimSpace(msg.Type) == "" {
		return ErrTypeRequired
	}

	if len(msg.Payload) == 0 {
		return ErrPayloadRequired
	}

	if !json.Valid(msg.Payload) {
		return ErrPayloadNotJSON
	}

	return nil
}
