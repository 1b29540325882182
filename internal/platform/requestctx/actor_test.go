package requestctx

import (
	"context"
	"testing"
)

func TestActorIDRoundTrip(t *testing.T) {
	ctx := WithActorID(context.Background(), "mentor-7")
	if got := ActorIDFromContext(ctx); got != "mentor-7" {
		t.Fatalf("ActorIDFromContext = %q, want %q", got, "mentor-7")
	}
	if got := RequestIDFromContext(ctx); got != "" {
		t.Fatalf("RequestIDFromContext = %q, want empty", got)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(WithActorID(nil, "a1"), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("RequestIDFromContext = %q, want %q", got, "req-1")
	}
	if got := ActorIDFromContext(ctx); got != "a1" {
		t.Fatalf("ActorIDFromContext = %q, want %q", got, "a1")
	}
}

func TestFromNilContext(t *testing.T) {
	if got := ActorIDFromContext(nil); got != "" {
		t.Fatalf("expected empty actor for nil context, got %q", got)
	}
	if got := RequestIDFromContext(nil); got != "" {
		t.Fatalf("expected empty request id for nil context, got %q", got)
	}
}
