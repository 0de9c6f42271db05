package shared

import (
	"context"

	"github.com/google/uuid"
)

type requestIDKey struct{}
type connIDKey struct{}

// WithRequestID attaches the wire request id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID extracts the request id from context. Returns "-" if absent.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithConnID attaches the accepting connection's id to the context.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnID extracts the connection id from context. Returns "-" if absent.
func ConnID(ctx context.Context) string {
	if v, ok := ctx.Value(connIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewID generates a random identifier for requests, connections and service instances.
func NewID() string {
	return uuid.NewString()
}
