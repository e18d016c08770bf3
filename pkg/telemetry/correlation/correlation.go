package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
)

// correlationKey is an unexported type for context keys within this package.
type correlationKey struct{}

// ExtractExecutionID fetches an execution ID from the context if present.
func ExtractExecutionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

// ContextWithExecutionID sets the execution ID onto the context.
func ContextWithExecutionID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// NewExecutionID generates a fresh ID for one message delivery. Every log
// line and downstream call of that delivery carries it.
func NewExecutionID() string {
	return ulid.Make().String()
}

// EnsureExecutionID guarantees an execution ID on the context, generating one
// when missing.
func EnsureExecutionID(ctx context.Context) (context.Context, string) {
	id := ExtractExecutionID(ctx)
	if id == "" {
		id = NewExecutionID()
	}
	return ContextWithExecutionID(ctx, id), id
}
