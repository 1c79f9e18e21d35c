package topology

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	topo, err := Resolve("OrderCreated")
	require.NoError(t, err)

	assert.Equal(t, "OrderCreated", topo.MessageType)
	assert.Equal(t, "order_created", topo.RoutingKey)
	assert.Equal(t, "order_created_exchange", topo.PrimaryExchange)
	assert.Equal(t, "order_created_intermediary_exchange", topo.IntermediaryExchange)
	assert.Equal(t, "order_created", topo.Queue)
	assert.Equal(t, "order_created_dead_letter_exchange", topo.DeadLetterExchange)
	assert.Equal(t, "order_created_dead_letter_queue", topo.DeadLetterQueue)
	assert.True(t, topo.Durable)
	assert.True(t, topo.Quorum)
}

func TestResolveIsDeterministic(t *testing.T) {
	t.Parallel()

	first, err := Resolve("ProductPriceChanged")
	require.NoError(t, err)

	second, err := Resolve("ProductPriceChanged")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestResolveRejectsEmptyName(t *testing.T) {
	t.Parallel()

	_, err := Resolve("   ")
	require.ErrorIs(t, err, ErrTypeNameRequired)
}

func TestResolveRejectsEnvelopeTypes(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"MessageEnvelope", "Envelope[OrderCreated]"} {
		_, err := Resolve(name)
		require.ErrorIs(t, err, ErrEnvelopeType, name)
	}
}

func TestSnakeCase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "OrderCreated", want: "order_created"},
		{in: "ProductPriceChanged", want: "product_price_changed"},
		{in: "HTTPRequestLogged", want: "http_request_logged"},
		{in: "OrderV2Created", want: "order_v2_created"},
		{in: "events.OrderCreated", want: "order_created"},
		{in: "*OrderCreated", want: "order_created"},
		{in: "order", want: "order"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, SnakeCase(tt.in))
		})
	}
}

func TestQueueArgs(t *testing.T) {
	t.Parallel()

	topo, err := Resolve("OrderCreated")
	require.NoError(t, err)

	args := topo.QueueArgs()

	assert.Equal(t, "quorum", args["x-queue-type"])
	assert.Equal(t, topo.DeadLetterExchange, args["x-dead-letter-exchange"])
	assert.Equal(t, topo.Queue, args["x-dead-letter-routing-key"])

	topo.Quorum = false
	_, ok := topo.QueueArgs()["x-queue-type"]
	assert.False(t, ok)
}

type declareCall struct {
	op   string
	name string
	kind string
	key  string
	args amqp.Table
}

type fakeChannel struct {
	calls   []declareCall
	failOn  string
	failErr error
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, args amqp.Table) error {
	f.calls = append(f.calls, declareCall{op: "exchange", name: name, kind: kind, args: args})
	if f.failOn == name {
		return f.failErr
	}

	return nil
}

func (f *fakeChannel) ExchangeBind(destination, key, source string, _ bool, args amqp.Table) error {
	f.calls = append(f.calls, declareCall{op: "exchange-bind", name: destination, kind: source, key: key, args: args})
	if f.failOn == destination {
		return f.failErr
	}

	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.calls = append(f.calls, declareCall{op: "queue", name: name, args: args})
	if f.failOn == name {
		return amqp.Queue{}, f.failErr
	}

	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, args amqp.Table) error {
	f.calls = append(f.calls, declareCall{op: "queue-bind", name: name, kind: exchange, key: key, args: args})
	return nil
}

func TestDeclare(t *testing.T) {
	t.Parallel()

	topo, err := Resolve("OrderCreated")
	require.NoError(t, err)

	ch := &fakeChannel{}
	require.NoError(t, Declare(ch, topo))

	var ops []string
	for _, c := range ch.calls {
		ops = append(ops, c.op+":"+c.name)
	}

	assert.Equal(t, []string{
		"exchange:order_created_dead_letter_exchange",
		"queue:order_created_dead_letter_queue",
		"queue-bind:order_created_dead_letter_queue",
		"exchange:order_created_exchange",
		"exchange:order_created_intermediary_exchange",
		"exchange-bind:order_created_intermediary_exchange",
		"queue:order_created",
		"queue-bind:order_created",
	}, ops)

	for _, c := range ch.calls {
		switch {
		case c.op == "exchange" && c.name == topo.PrimaryExchange:
			assert.Equal(t, "direct", c.kind)
		case c.op == "exchange" && c.name == topo.IntermediaryExchange:
			assert.Equal(t, "fanout", c.kind)
		case c.op == "exchange-bind":
			assert.Equal(t, topo.PrimaryExchange, c.kind)
			assert.Equal(t, topo.RoutingKey, c.key)
		case c.op == "queue" && c.name == topo.Queue:
			assert.Equal(t, "quorum", c.args["x-queue-type"])
			assert.Equal(t, topo.DeadLetterExchange, c.args["x-dead-letter-exchange"])
		case c.op == "queue-bind" && c.name == topo.Queue:
			assert.Equal(t, topo.IntermediaryExchange, c.kind)
			assert.Empty(t, c.key)
		}
	}
}

func TestDeclareNilChannel(t *testing.T) {
	t.Parallel()

	topo, err := Resolve("OrderCreated")
	require.NoError(t, err)

	require.ErrorIs(t, Declare(nil, topo), ErrChannelRequired)

	var typedNil *fakeChannel
	require.ErrorIs(t, Declare(typedNil, topo), ErrChannelRequired)
}

func TestDeclarePropagatesBrokerErrors(t *testing.T) {
	t.Parallel()

	topo, err := Resolve("OrderCreated")
	require.NoError(t, err)

	brokerErr := errors.New("precondition failed")
	ch := &fakeChannel{failOn: topo.Queue, failErr: brokerErr}

	require.ErrorIs(t, Declare(ch, topo), brokerErr)
}
