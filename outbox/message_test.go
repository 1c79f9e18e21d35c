package outbox

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborcommerce/lib-eventbus/message"
)

func TestNewMessage(t *testing.T) {
	t.Parallel()

	msg, err := message.New(context.Background(), "OrderCreated", []byte(`{"order":1}`))
	require.NoError(t, err)

	row, err := NewMessage(msg)
	require.NoError(t, err)

	assert.Equal(t, msg.ID, row.ID)
	assert.Equal(t, "OrderCreated", row.MessageType)
	assert.Equal(t, msg.Payload, row.Payload)
	assert.Equal(t, msg.Headers, row.Headers)
	assert.Equal(t, StatusPending, row.Status)
	assert.Zero(t, row.Attempts)
	assert.False(t, row.CreatedAt.IsZero())
	assert.Nil(t, row.ProcessedAt)
}

func TestNewMessageValidation(t *testing.T) {
	t.Parallel()

	_, err := NewMessage(nil)
	require.ErrorIs(t, err, ErrMessageRequired)

	_, err = NewMessage(&message.Message{ID: uuid.New(), Type: "OrderCreated"})
	require.ErrorIs(t, err, message.ErrPayloadRequired)
}

func TestTransportMessageRoundTrip(t *testing.T) {
	t.Parallel()

	msg, err := message.New(context.Background(), "OrderCreated", []byte(`{"order":1}`))
	require.NoError(t, err)

	row, err := NewMessage(msg)
	require.NoError(t, err)

	restored, err := row.TransportMessage()
	require.NoError(t, err)
	assert.Equal(t, msg, restored)
}

func TestTransportMessageRejectsCorruptRows(t *testing.T) {
	t.Parallel()

	var nilRow *Message
	_, err := nilRow.TransportMessage()
	require.ErrorIs(t, err, ErrMessageRequired)

	corrupt := &Message{ID: uuid.New(), MessageType: "OrderCreated", Payload: []byte("not-json")}
	_, err = corrupt.TransportMessage()
	require.ErrorIs(t, err, message.ErrPayloadNotJSON)
}
