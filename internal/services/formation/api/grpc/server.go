package grpc

import (
	"context"
	"encoding/json"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	apperrors "github.com/louisbranch/formation/internal/platform/errors"
	"github.com/louisbranch/formation/internal/platform/requestctx"
	"github.com/louisbranch/formation/internal/services/formation/api/wire"
	"github.com/louisbranch/formation/internal/services/formation/app"
	"github.com/louisbranch/formation/internal/services/formation/domain/command"
	"github.com/louisbranch/formation/internal/services/formation/domain/event"
)

// Formation is the slice of app.Service served over gRPC.
type Formation interface {
	Submit(ctx context.Context, cmd command.Command) (app.SubmitResult, error)
	GetJourney(ctx context.Context, subjectID string) (app.JourneyView, error)
	ListEvents(ctx context.Context, subjectID string, afterSeq uint64, limit int) ([]event.Event, error)
}

// JourneyService implements JourneyServiceServer.
type JourneyService struct {
	formation Formation
}

var _ JourneyServiceServer = (*JourneyService)(nil)

// NewJourneyService creates the gRPC service over formation.
func NewJourneyService(formation Formation) *JourneyService {
	return &JourneyService{formation: formation}
}

type subjectRequest struct {
	SubjectID string `json:"subject_id"`
}

type listEventsRequest struct {
	SubjectID string `json:"subject_id"`
	AfterSeq  uint64 `json:"after_seq"`
	Limit     int    `json:"limit"`
}

// SubmitCommand decides and appends one command.
func (s *JourneyService) SubmitCommand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	data, err := in.MarshalJSON()
	if err != nil {
		return nil, apperrors.GRPCStatus(apperrors.Wrap(apperrors.CodeInvalidArgument, "encode request", err))
	}
	req, err := wire.DecodeCommandRequest(data)
	if err != nil {
		return nil, apperrors.GRPCStatus(err)
	}
	cmd, err := req.Command("", requestctx.ActorIDFromContext(ctx), requestctx.RequestIDFromContext(ctx))
	if err != nil {
		return nil, apperrors.GRPCStatus(err)
	}
	res, err := s.formation.Submit(ctx, cmd)
	if err != nil {
		return nil, apperrors.GRPCStatus(err)
	}
	return toStruct(wire.FromSubmitResult(res))
}

// GetJourney returns the projected journey and its readiness.
func (s *JourneyService) GetJourney(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req subjectRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, apperrors.GRPCStatus(err)
	}
	view, err := s.formation.GetJourney(ctx, req.SubjectID)
	if err != nil {
		return nil, apperrors.GRPCStatus(err)
	}
	return toStruct(view)
}

// ListEvents pages the raw journal of a subject.
func (s *JourneyService) ListEvents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listEventsRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, apperrors.GRPCStatus(err)
	}
	events, err := s.formation.ListEvents(ctx, req.SubjectID, req.AfterSeq, req.Limit)
	if err != nil {
		return nil, apperrors.GRPCStatus(err)
	}
	return toStruct(wire.NewEventPage(events, app.EventPageSize(req.Limit)))
}

func fromStruct(in *structpb.Struct, target any) error {
	data, err := in.MarshalJSON()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "encode request", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "decode request", err)
	}
	return nil
}

// toStruct converts a JSON-tagged value to a Struct message.
func toStruct(value any) (*structpb.Struct, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, apperrors.GRPCStatus(err)
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, apperrors.GRPCStatus(err)
	}
	return out, nil
}

// StructFromJSON decodes a JSON object into a Struct; used by clients.
func StructFromJSON(data []byte) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if strings.TrimSpace(string(data)) == "" {
		return out, nil
	}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return out, nil
}
