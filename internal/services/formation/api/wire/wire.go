// Package wire defines the JSON shapes shared by the gRPC and HTTP
// transports of the formation service.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/formation/internal/platform/errors"
	"github.com/louisbranch/formation/internal/services/formation/app"
	"github.com/louisbranch/formation/internal/services/formation/domain/command"
	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"github.com/louisbranch/formation/internal/services/formation/domain/journey"
)

// CommandRequest is the body of a command submission.
type CommandRequest struct {
	SubjectID      string          `json:"subject_id,omitempty"`
	Type           string          `json:"type"`
	ActorID        string          `json:"actor_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ExpectedSeq    *uint64         `json:"expected_seq,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// DecodeCommandRequest strictly decodes a command body.
func DecodeCommandRequest(data []byte) (CommandRequest, error) {
	var req CommandRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return CommandRequest{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "decode command request", err)
	}
	return req, nil
}

// Command builds the domain command. A non-empty subjectID from the route
// wins over the body; actor and request ids fall back to the transport
// values when the body leaves them empty.
func (r CommandRequest) Command(subjectID, actorID, requestID string) (command.Command, error) {
	if subjectID = strings.TrimSpace(subjectID); subjectID != "" {
		if body := strings.TrimSpace(r.SubjectID); body != "" && event.NormalizeID(body) != event.NormalizeID(subjectID) {
			return command.Command{}, apperrors.New(apperrors.CodeInvalidArgument,
				fmt.Sprintf("body subject %q does not match route subject %q", body, subjectID))
		}
		r.SubjectID = subjectID
	}
	if strings.TrimSpace(r.ActorID) == "" {
		r.ActorID = actorID
	}
	if strings.TrimSpace(r.RequestID) == "" {
		r.RequestID = requestID
	}
	return command.Command{
		SubjectID:      r.SubjectID,
		Type:           command.Type(r.Type),
		ActorID:        r.ActorID,
		IdempotencyKey: r.IdempotencyKey,
		ExpectedSeq:    r.ExpectedSeq,
		RequestID:      r.RequestID,
		PayloadJSON:    r.Payload,
	}, nil
}

// Event is the audit view of a journal event.
type Event struct {
	ID             string          `json:"id"`
	SubjectID      string          `json:"subject_id"`
	Seq            uint64          `json:"seq"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	RecordedAt     time.Time       `json:"recorded_at"`
	ActorID        string          `json:"actor_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	ChainHash      string          `json:"chain_hash,omitempty"`
	Signed         bool            `json:"signed"`
}

// FromEvent converts a journal event.
func FromEvent(evt event.Event) Event {
	payload := json.RawMessage(evt.PayloadJSON)
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage("{}")
	}
	return Event{
		ID:             evt.ID,
		SubjectID:      evt.SubjectID,
		Seq:            evt.Seq,
		Kind:           string(evt.Kind),
		Payload:        payload,
		RecordedAt:     evt.Timestamp.UTC(),
		ActorID:        evt.ActorID,
		IdempotencyKey: evt.IdempotencyKey,
		ChainHash:      evt.ChainHash,
		Signed:         evt.Signature != "",
	}
}

// FromEvents converts a page of journal events.
func FromEvents(events []event.Event) []Event {
	out := make([]Event, 0, len(events))
	for _, evt := range events {
		out = append(out, FromEvent(evt))
	}
	return out
}

// CommandResponse reports a handled command.
type CommandResponse struct {
	Events    []Event         `json:"events"`
	Journey   journey.Journey `json:"journey"`
	Duplicate bool            `json:"duplicate"`
	Attempts  int             `json:"attempts"`
}

// FromSubmitResult converts a service result.
func FromSubmitResult(res app.SubmitResult) CommandResponse {
	return CommandResponse{
		Events:    FromEvents(res.Events),
		Journey:   res.Journey,
		Duplicate: res.Duplicate,
		Attempts:  res.Attempts,
	}
}

// EventPage is a page of audit events.
type EventPage struct {
	Events []Event `json:"events"`
	// NextAfterSeq is the cursor for the next page, zero when exhausted.
	NextAfterSeq uint64 `json:"next_after_seq,omitempty"`
}

// NewEventPage builds a page; a full page carries a cursor.
func NewEventPage(events []event.Event, limit int) EventPage {
	page := EventPage{Events: FromEvents(events)}
	if limit > 0 && len(events) == limit {
		page.NextAfterSeq = events[len(events)-1].Seq
	}
	return page
}

// Error is the JSON error body.
type Error struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FromError converts err into an error body.
func FromError(err error) Error {
	out := Error{Code: string(apperrors.CodeOf(err)), Message: err.Error()}
	if coded, ok := apperrors.As(err); ok {
		out.Metadata = coded.Metadata
	}
	return out
}
