package nilcheck

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type widget struct{}

type publisher interface {
	Publish()
}

type nopPublisher struct{}

func (*nopPublisher) Publish() {}

func TestInterface(t *testing.T) {
	t.Parallel()

	var nilPointer *widget
	var nilSlice []byte
	var nilMap map[string]int
	var nilFunc func()
	var nilIface publisher

	var typedNil publisher
	var typedImpl *nopPublisher
	typedNil = typedImpl

	require.True(t, Interface(nil))
	require.True(t, Interface(nilPointer))
	require.True(t, Interface(nilSlice))
	require.True(t, Interface(nilMap))
	require.True(t, Interface(nilFunc))
	require.True(t, Interface(nilIface))
	require.True(t, Interface(typedNil))

	require.False(t, Interface(&nopPublisher{}))
	require.False(t, Interface(widget{}))
	require.False(t, Interface("text"))
	require.False(t, Interface(0))
}
