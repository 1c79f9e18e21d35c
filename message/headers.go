package message

import (
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQP header keys used for cross-service correlation.
const (
	HeaderCorrelationID = "x-correlation-id"
	HeaderCausationID   = "x-causation-id"
	HeaderMessageType   = "x-message-type"

	// ContentTypeJSON is the only payload encoding the bus publishes.
	ContentTypeJSON = "application/json"
)

// Headers is the correlation header set attached to every message.
type Headers struct {
	CorrelationID string `json:"correlation_id"`
	CausationID   string `json:"causation_id"`
	ContentType   string `json:"content_type"`
}

// ToAMQPTable converts headers into an AMQP header table for publishing.
// The message type travels as a header too, so dead-lettered messages keep
// their identity without the consumer inspecting routing keys.
func (headers Headers) ToAMQPTable(msgType string) amqp.Table {
	table := amqp.Table{
		HeaderCorrelationID: headers.CorrelationID,
		HeaderCausationID:   headers.CausationID,
	}

	if msgType != "" {
		table[HeaderMessageType] = msgType
	}

	return table
}

// HeadersFromAMQPTable extracts correlation headers from an inbound delivery.
// Missing entries stay empty; the dispatch filter generates replacements.
func HeadersFromAMQPTable(table amqp.Table, contentType string) Headers {
	headers := Headers{ContentType: contentType}

	if table == nil {
		return headers
	}

	if value, ok := table[HeaderCorrelationID].(string); ok {
		headers.CorrelationID = value
	}

	if value, ok := table[HeaderCausationID].(string); ok {
		headers.CausationID = value
	}

	return headers
}

// MarshalForStorage serializes headers for the outbox headers column.
func (headers Headers) MarshalForStorage() ([]byte, error) {
	raw, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}

	return raw, nil
}

// HeadersFromStorage deserializes headers from the outbox headers column.
func HeadersFromStorage(raw []byte) (Headers, error) {
	if len(raw) == 0 {
		return Headers{}, nil
	}

	var headers Headers
	if err := json.Unmarshal(raw, &headers); err != nil {
		return Headers{}, fmt.Errorf("unmarshal headers: %w", err)
	}

	return headers, nil
}
