package message

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToAMQPTable(t *testing.T) {
	t.Parallel()

	headers := Headers{CorrelationID: "corr", CausationID: "cause", ContentType: ContentTypeJSON}

	table := headers.ToAMQPTable("OrderCreated")

	assert.Equal(t, "corr", table[HeaderCorrelationID])
	assert.Equal(t, "cause", table[HeaderCausationID])
	assert.Equal(t, "OrderCreated", table[HeaderMessageType])
}

func TestToAMQPTableOmitsEmptyType(t *testing.T) {
	t.Parallel()

	table := Headers{CorrelationID: "corr"}.ToAMQPTable("")

	_, ok := table[HeaderMessageType]
	assert.False(t, ok)
}

func TestHeadersFromAMQPTable(t *testing.T) {
	t.Parallel()

	table := amqp.Table{
		HeaderCorrelationID: "corr",
		HeaderCausationID:   "cause",
	}

	headers := HeadersFromAMQPTable(table, ContentTypeJSON)

	assert.Equal(t, "corr", headers.CorrelationID)
	assert.Equal(t, "cause", headers.CausationID)
	assert.Equal(t, ContentTypeJSON, headers.ContentType)
}

func TestHeadersFromAMQPTableToleratesMissingAndWrongTypes(t *testing.T) {
	t.Parallel()

	headers := HeadersFromAMQPTable(nil, "")
	assert.Empty(t, headers.CorrelationID)

	headers = HeadersFromAMQPTable(amqp.Table{HeaderCorrelationID: 42}, "")
	assert.Empty(t, headers.CorrelationID)
}

func TestHeadersStorageRoundTrip(t *testing.T) {
	t.Parallel()

	headers := Headers{CorrelationID: "corr", CausationID: "cause", ContentType: ContentTypeJSON}

	raw, err := headers.MarshalForStorage()
	require.NoError(t, err)

	restored, err := HeadersFromStorage(raw)
	require.NoError(t, err)
	assert.Equal(t, headers, restored)
}

func TestHeadersFromStorageEdgeCases(t *testing.T) {
	t.Parallel()

	restored, err := HeadersFromStorage(nil)
	require.NoError(t, err)
	assert.Equal(t, Headers{}, restored)

	_, err = HeadersFromStorage([]byte("{broken"))
	require.Error(t, err)
}
