package grpc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func TestDialWithHealthChecksNamedService(t *testing.T) {
	srv := startHealthServer(t, grpc_health_v1.HealthCheckResponse_SERVING)

	conn, err := DialWithHealth(context.Background(), srv.addr, DialConfig{HealthService: testService, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("dial with health: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDialWithHealthFailsWhenServiceNotServing(t *testing.T) {
	// The server as a whole is SERVING; only the named service is not.
	srv := startHealthServer(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	start := time.Now()
	conn, err := DialWithHealth(context.Background(), srv.addr, DialConfig{HealthService: testService, Timeout: 200 * time.Millisecond})
	if conn != nil {
		_ = conn.Close()
		t.Fatal("expected nil connection on error")
	}
	var dialErr *DialError
	if !errors.As(err, &dialErr) || dialErr.Stage != DialStageHealth {
		t.Fatalf("err = %v, want health stage DialError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded in chain", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout did not bound the health wait, took %v", elapsed)
	}

	whole, err := DialWithHealth(context.Background(), srv.addr, DialConfig{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("dial whole server: %v", err)
	}
	_ = whole.Close()
}

func TestDialWithHealthRequiresAddress(t *testing.T) {
	_, err := DialWithHealth(context.Background(), "  ", DialConfig{})
	var dialErr *DialError
	if !errors.As(err, &dialErr) || dialErr.Stage != DialStageConnect {
		t.Fatalf("err = %v, want connect stage DialError", err)
	}
}

func TestDialErrorFormatting(t *testing.T) {
	err := &DialError{Stage: DialStageHealth, Addr: "127.0.0.1:8092", Err: errors.New("boom")}
	if got := err.Error(); !strings.Contains(got, "127.0.0.1:8092: health: boom") {
		t.Fatalf("Error() = %q", got)
	}
	var nilErr *DialError
	if nilErr.Error() == "" || nilErr.Unwrap() != nil {
		t.Fatal("nil DialError must format and unwrap to nil")
	}
}
