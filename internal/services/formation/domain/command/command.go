package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/louisbranch/formation/internal/platform/errors"
	"github.com/louisbranch/formation/internal/services/formation/domain/event"
)

var (
	// ErrSubjectIDRequired indicates a missing subject id.
	ErrSubjectIDRequired = apperrors.New(apperrors.CodeSubjectIDRequired, "subject id is required")
	// ErrTypeUnknown indicates an unregistered command type.
	ErrTypeUnknown = apperrors.New(apperrors.CodeUnknownCommand, "command type is not registered")
	// ErrPayloadInvalid indicates a payload that does not decode or validate.
	ErrPayloadInvalid = apperrors.New(apperrors.CodeInvalidPayload, "command payload is invalid")
)

// Type identifies the command type string.
type Type string

// Formation commands.
const (
	TypeJourneyBegin        Type = "journey.begin"
	TypeCheckpointReach     Type = "checkpoint.reach"
	TypeCheckpointRetract   Type = "checkpoint.retract"
	TypeReflectionRecord    Type = "reflection.record"
	TypeBehaviorObserve     Type = "behavior.observe"
	TypePhaseAdvance        Type = "phase.advance"
	TypeRegressionAuthorize Type = "regression.authorize"
	TypePhaseRegress        Type = "phase.regress"
)

// Command captures the canonical command envelope.
type Command struct {
	SubjectID string
	Type      Type
	ActorID   string
	// IdempotencyKey deduplicates retries. The engine generates one when empty.
	IdempotencyKey string
	// ExpectedSeq pins the journal position the caller decided against. When
	// nil the engine reads the latest sequence and retries on conflict.
	ExpectedSeq *uint64
	RequestID   string
	PayloadJSON []byte
}

// BeginPayload is the payload of TypeJourneyBegin.
type BeginPayload struct{}

// CheckpointReachPayload is the payload of TypeCheckpointReach. Phase
// defaults to the current phase.
type CheckpointReachPayload struct {
	Checkpoint string `json:"checkpoint"`
	Phase      string `json:"phase,omitempty"`
}

// CheckpointRetractPayload is the payload of TypeCheckpointRetract.
type CheckpointRetractPayload struct {
	Checkpoint string `json:"checkpoint"`
	Phase      string `json:"phase,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ReflectionRecordPayload is the payload of TypeReflectionRecord.
type ReflectionRecordPayload struct {
	Text          string `json:"text"`
	DeclaresReady bool   `json:"declares_ready,omitempty"`
}

// BehaviorObservePayload is the payload of TypeBehaviorObserve.
type BehaviorObservePayload struct {
	Signal string `json:"signal"`
	Note   string `json:"note,omitempty"`
}

// PhaseAdvancePayload is the payload of TypePhaseAdvance. ToPhase may be
// omitted when the current phase has a single next phase.
type PhaseAdvancePayload struct {
	ToPhase string `json:"to_phase,omitempty"`
}

// RegressionAuthorizePayload is the payload of TypeRegressionAuthorize.
type RegressionAuthorizePayload struct {
	Grant string `json:"grant"`
}

// PhaseRegressPayload is the payload of TypePhaseRegress. ToPhase defaults
// to the target of the pending authorization.
type PhaseRegressPayload struct {
	ToPhase string `json:"to_phase,omitempty"`
}

// PayloadValidator validates a canonical payload document.
type PayloadValidator func(json.RawMessage) error

// Definition registers metadata for a command type.
type Definition struct {
	Type            Type
	ValidatePayload PayloadValidator
	// Transition marks commands that move the subject between phases.
	Transition bool
}

// Registry stores command definitions and validates commands.
type Registry struct {
	definitions map[Type]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[Type]Definition)}
}

// DefaultRegistry registers every formation command.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, def := range []Definition{
		{Type: TypeJourneyBegin, ValidatePayload: strictPayload(func(BeginPayload) error { return nil }), Transition: true},
		{Type: TypeCheckpointReach, ValidatePayload: strictPayload(func(p CheckpointReachPayload) error {
			return requireField("checkpoint", p.Checkpoint)
		})},
		{Type: TypeCheckpointRetract, ValidatePayload: strictPayload(func(p CheckpointRetractPayload) error {
			return requireField("checkpoint", p.Checkpoint)
		})},
		{Type: TypeReflectionRecord, ValidatePayload: strictPayload(func(p ReflectionRecordPayload) error {
			return requireField("text", p.Text)
		})},
		{Type: TypeBehaviorObserve, ValidatePayload: strictPayload(func(p BehaviorObservePayload) error {
			return requireField("signal", p.Signal)
		})},
		{Type: TypePhaseAdvance, ValidatePayload: strictPayload(func(PhaseAdvancePayload) error { return nil }), Transition: true},
		{Type: TypeRegressionAuthorize, ValidatePayload: strictPayload(func(p RegressionAuthorizePayload) error {
			return requireField("grant", p.Grant)
		})},
		{Type: TypePhaseRegress, ValidatePayload: strictPayload(func(PhaseRegressPayload) error { return nil }), Transition: true},
	} {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a new command type definition to the registry.
func (r *Registry) Register(def Definition) error {
	if r == nil {
		return fmt.Errorf("registry is required")
	}
	def.Type = Type(strings.TrimSpace(string(def.Type)))
	if def.Type == "" {
		return fmt.Errorf("command type is required")
	}
	if r.definitions == nil {
		r.definitions = make(map[Type]Definition)
	}
	if _, exists := r.definitions[def.Type]; exists {
		return fmt.Errorf("command type already registered: %s", def.Type)
	}
	r.definitions[def.Type] = def
	return nil
}

// Definition returns the definition of a registered type.
func (r *Registry) Definition(t Type) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	def, ok := r.definitions[t]
	return def, ok
}

// Types lists registered command types, sorted.
func (r *Registry) Types() []Type {
	if r == nil {
		return nil
	}
	types := make([]Type, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ValidateForDecision validates and normalizes a command before decision
// handling: ids are NFC-normalized, the payload is canonical JSON.
func (r *Registry) ValidateForDecision(cmd Command) (Command, error) {
	cmd.SubjectID = event.NormalizeID(cmd.SubjectID)
	if cmd.SubjectID == "" {
		return Command{}, ErrSubjectIDRequired
	}
	cmd.Type = Type(strings.TrimSpace(string(cmd.Type)))
	def, ok := r.Definition(cmd.Type)
	if !ok {
		return Command{}, apperrors.WithMetadata(apperrors.CodeUnknownCommand, ErrTypeUnknown.Message, map[string]string{"Type": string(cmd.Type)})
	}
	cmd.ActorID = strings.TrimSpace(cmd.ActorID)
	cmd.IdempotencyKey = strings.TrimSpace(cmd.IdempotencyKey)
	cmd.RequestID = strings.TrimSpace(cmd.RequestID)

	if len(bytes.TrimSpace(cmd.PayloadJSON)) == 0 {
		cmd.PayloadJSON = []byte("{}")
	}
	canonical, err := canonicalJSON(cmd.PayloadJSON)
	if err != nil {
		return Command{}, apperrors.Wrap(apperrors.CodeInvalidPayload, "payload json must be valid", err)
	}
	cmd.PayloadJSON = canonical
	if def.ValidatePayload != nil {
		if err := def.ValidatePayload(json.RawMessage(cmd.PayloadJSON)); err != nil {
			return Command{}, apperrors.Wrap(apperrors.CodeInvalidPayload, fmt.Sprintf("%s payload invalid", cmd.Type), err)
		}
	}
	return cmd, nil
}

// canonicalJSON re-encodes a document with sorted object keys and no
// insignificant whitespace.
func canonicalJSON(raw []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if decoder.More() {
		return nil, fmt.Errorf("trailing data after json document")
	}
	if _, ok := value.(map[string]any); !ok {
		return nil, fmt.Errorf("payload must be a json object")
	}
	return json.Marshal(value)
}

// strictPayload decodes into T, rejecting unknown fields, then runs check.
func strictPayload[T any](check func(T) error) PayloadValidator {
	return func(raw json.RawMessage) error {
		payload, err := Decode[T](raw)
		if err != nil {
			return err
		}
		return check(payload)
	}
}

// Decode strictly unmarshals a command payload.
func Decode[T any](raw []byte) (T, error) {
	var payload T
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	return payload, nil
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrPayloadInvalid, name)
	}
	return nil
}
