package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	gogrpc "google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthPollMin  = 100 * time.Millisecond
	healthPollMax  = time.Second
	healthCallWait = time.Second
)

// WaitForHealth polls service on conn until it reports SERVING or ctx ends.
// The poll interval doubles from 100ms up to one second.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return errors.New("grpc connection is required")
	}
	client := grpc_health_v1.NewHealthClient(conn)
	wait := healthPollMin
	for {
		status, err := checkHealth(ctx, client, service)
		if err == nil && status == grpc_health_v1.HealthCheckResponse_SERVING {
			if logf != nil {
				logf("grpc health serving target=%s service=%q", conn.Target(), service)
			}
			return nil
		}
		if logf != nil {
			logf("grpc health waiting target=%s service=%q status=%s err=%v", conn.Target(), service, status, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if err != nil {
				return fmt.Errorf("wait for grpc health: %w (last error: %v)", ctx.Err(), err)
			}
			return fmt.Errorf("wait for grpc health: %w (last status: %s)", ctx.Err(), status)
		case <-timer.C:
		}
		wait = min(wait*2, healthPollMax)
	}
}

func checkHealth(ctx context.Context, client grpc_health_v1.HealthClient, service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, healthCallWait)
	defer cancel()
	resp, err := client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
