package grpc

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// NewServer builds a grpc.Server with tracing, request context and logging,
// and registers JourneyService and the health service. The returned health
// server reports SERVING for JourneyService.
func NewServer(formation Formation, logf func(string, ...any)) (*gogrpc.Server, *health.Server) {
	server := gogrpc.NewServer(
		gogrpc.StatsHandler(otelgrpc.NewServerHandler()),
		gogrpc.ChainUnaryInterceptor(
			RequestContextInterceptor(nil),
			LoggingInterceptor(logf),
		),
	)
	RegisterJourneyServiceServer(server, NewJourneyService(formation))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return server, healthServer
}
