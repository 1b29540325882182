package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/louisbranch/formation/internal/platform/requestctx"
	"github.com/louisbranch/formation/internal/services/formation/app"
	"github.com/louisbranch/formation/internal/services/formation/rules"
	"github.com/louisbranch/formation/internal/services/formation/storage/memory"
)

var grpcNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func startServer(t *testing.T) *JourneyServiceClient {
	t.Helper()
	formationRules, err := rules.Default()
	if err != nil {
		t.Fatalf("default rules: %v", err)
	}
	svc, err := app.NewService(app.Deps{
		Store: memory.New(),
		Rules: formationRules,
		Now:   func() time.Time { return grpcNow },
		Logf:  t.Logf,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	listener := bufconn.Listen(1 << 20)
	server, _ := NewServer(svc, t.Logf)
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	conn, err := gogrpc.NewClient("passthrough:///bufnet",
		gogrpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	health := grpc_health_v1.NewHealthClient(conn)
	resp, err := health.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil || resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("health = %v, %v", resp.GetStatus(), err)
	}
	return NewJourneyServiceClient(conn)
}

func mustStruct(t *testing.T, raw string) *structpb.Struct {
	t.Helper()
	in, err := StructFromJSON([]byte(raw))
	if err != nil {
		t.Fatalf("struct from json: %v", err)
	}
	return in
}

func TestSubmitCommandAndReadJourney(t *testing.T) {
	client := startServer(t)
	ctx := metadata.AppendToOutgoingContext(context.Background(),
		requestctx.ActorIDMetadataKey, "mentor-1",
		requestctx.RequestIDMetadataKey, "req-42",
	)

	var header metadata.MD
	out, err := client.SubmitCommand(ctx, mustStruct(t, `{"subject_id":"ana","type":"journey.begin","idempotency_key":"begin"}`), gogrpc.Header(&header))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := header.Get(requestctx.RequestIDMetadataKey); len(got) != 1 || got[0] != "req-42" {
		t.Fatalf("request id header = %v, want req-42", got)
	}
	events := out.GetFields()["events"].GetListValue().GetValues()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	first := events[0].GetStructValue().GetFields()
	if got := first["actor_id"].GetStringValue(); got != "mentor-1" {
		t.Fatalf("actor = %q, want mentor-1 from metadata", got)
	}
	if got := first["kind"].GetStringValue(); got != "journey.phase_entered" {
		t.Fatalf("kind = %q", got)
	}

	view, err := client.GetJourney(ctx, mustStruct(t, `{"subject_id":"ana"}`))
	if err != nil {
		t.Fatalf("get journey: %v", err)
	}
	journey := view.GetFields()["journey"].GetStructValue().GetFields()
	if got := journey["phase"].GetStringValue(); got != "foundations" {
		t.Fatalf("phase = %q, want foundations", got)
	}
	readiness := view.GetFields()["readiness"].GetStructValue().GetFields()
	if got := readiness["classification"].GetStringValue(); got != "not-ready" {
		t.Fatalf("classification = %q, want not-ready", got)
	}

	page, err := client.ListEvents(ctx, mustStruct(t, `{"subject_id":"ana","limit":1}`))
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if got := page.GetFields()["next_after_seq"].GetNumberValue(); got != 1 {
		t.Fatalf("next_after_seq = %v, want 1", got)
	}
}

func TestSubmitCommandRejectionCarriesErrorInfo(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()
	if _, err := client.SubmitCommand(ctx, mustStruct(t, `{"subject_id":"ana","type":"journey.begin"}`)); err != nil {
		t.Fatalf("begin: %v", err)
	}

	_, err := client.SubmitCommand(ctx, mustStruct(t, `{"subject_id":"ana","type":"phase.advance"}`))
	st := status.Convert(err)
	if st.Code() != codes.FailedPrecondition {
		t.Fatalf("code = %s, want %s", st.Code(), codes.FailedPrecondition)
	}
	var info *errdetails.ErrorInfo
	for _, detail := range st.Details() {
		if d, ok := detail.(*errdetails.ErrorInfo); ok {
			info = d
		}
	}
	if info == nil || info.GetReason() != "DENIED_MISSING_CHECKPOINTS" {
		t.Fatalf("error info = %+v", info)
	}
	if info.GetMetadata()["Missing"] == "" {
		t.Fatalf("missing checkpoints not reported: %+v", info.GetMetadata())
	}
}

func TestGetJourneyErrors(t *testing.T) {
	client := startServer(t)
	tests := []struct {
		name string
		in   string
		want codes.Code
	}{
		{name: "unknown subject", in: `{"subject_id":"nobody"}`, want: codes.NotFound},
		{name: "blank subject", in: `{}`, want: codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.GetJourney(context.Background(), mustStruct(t, tt.in))
			if got := status.Code(err); got != tt.want {
				t.Fatalf("code = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSubmitCommandUnknownFieldIsInvalid(t *testing.T) {
	client := startServer(t)
	_, err := client.SubmitCommand(context.Background(), mustStruct(t, `{"subject_id":"ana","type":"journey.begin","bogus":1}`))
	if got := status.Code(err); got != codes.InvalidArgument {
		t.Fatalf("code = %s, want %s", got, codes.InvalidArgument)
	}
}
