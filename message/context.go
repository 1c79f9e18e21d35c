package message

import (
	"context"

	"github.com/google/uuid"
)

type invocationContextKey struct{}

// Invocation is the per-delivery consumer invocation context: correlation
// state plus the delivery attempt counter. It is created by the dispatch
// filter before the handler runs and discarded afterwards.
type Invocation struct {
	MessageID     uuid.UUID
	Type          string
	CorrelationID string
	CausationID   string
	Attempt       int
}

// ContextWithInvocation returns a context carrying the invocation.
func ContextWithInvocation(ctx context.Context, inv Invocation) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, invocationContextKey{}, inv)
}

// InvocationFromContext reads the current consumer invocation, if any.
func InvocationFromContext(ctx context.Context) (Invocation, bool) {
	if ctx == nil {
		return Invocation{}, false
	}

	inv, ok := ctx.Value(invocationContextKey{}).(Invocation)

	return inv, ok
}
