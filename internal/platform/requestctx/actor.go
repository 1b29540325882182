// Package requestctx carries per-request identity through context.
package requestctx

import "context"

// Header and metadata keys set by callers.
const (
	ActorIDHeader   = "X-Formation-Actor-Id"
	RequestIDHeader = "X-Request-Id"
	// ActorIDMetadataKey is the lowercase gRPC metadata form of ActorIDHeader.
	ActorIDMetadataKey = "x-formation-actor-id"
	// RequestIDMetadataKey is the lowercase gRPC metadata form of RequestIDHeader.
	RequestIDMetadataKey = "x-request-id"
)

type actorIDContextKey struct{}

type requestIDContextKey struct{}

// WithActorID stores the acting user or administrator in context.
func WithActorID(ctx context.Context, actorID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorIDContextKey{}, actorID)
}

// ActorIDFromContext returns the actor stored in context.
func ActorIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(actorIDContextKey{}).(string)
	return value
}

// WithRequestID stores a correlation id in context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext returns the correlation id stored in context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDContextKey{}).(string)
	return value
}
