package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrSubjectIDRequired indicates a missing subject id.
	ErrSubjectIDRequired = errors.New("subject id is required")
	// ErrKindRequired indicates a missing event kind.
	ErrKindRequired = errors.New("event kind is required")
	// ErrKindUnknown indicates a kind outside the known enumeration.
	ErrKindUnknown = errors.New("event kind is not known")
	// ErrPayloadInvalid indicates a payload that does not decode for its kind.
	ErrPayloadInvalid = errors.New("event payload is invalid")
)

// Kind identifies the kind of a formation event.
type Kind string

// Journey lifecycle events.
const (
	// KindPhaseEntered records the subject entering a phase, including the
	// initial phase on the first event of a journey.
	KindPhaseEntered Kind = "journey.phase_entered"
	// KindPhaseRegressed records an authorized administrative rollback.
	KindPhaseRegressed Kind = "journey.phase_regressed"
	// KindRegressionAuthorized records an administrator granting a rollback.
	KindRegressionAuthorized Kind = "journey.regression_authorized"
)

// Checkpoint events.
const (
	// KindCheckpointReached records a milestone completed within a phase.
	KindCheckpointReached Kind = "journey.checkpoint_reached"
	// KindCheckpointRetracted compensates an earlier KindCheckpointReached.
	KindCheckpointRetracted Kind = "journey.checkpoint_retracted"
)

// Behavioral events feeding readiness.
const (
	// KindReflectionRecorded records a written reflection, optionally
	// self-declaring readiness.
	KindReflectionRecorded Kind = "journey.reflection_recorded"
	// KindBehaviorObserved records an observed behavioral signal.
	KindBehaviorObserved Kind = "journey.behavior_observed"
)

var knownKinds = map[Kind]struct{}{
	KindPhaseEntered:         {},
	KindPhaseRegressed:       {},
	KindRegressionAuthorized: {},
	KindCheckpointReached:    {},
	KindCheckpointRetracted:  {},
	KindReflectionRecorded:   {},
	KindBehaviorObserved:     {},
}

// Known reports whether the projector understands this kind.
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// IsValid reports whether the kind is usable as a journal value.
func (k Kind) IsValid() bool {
	return strings.TrimSpace(string(k)) != ""
}

// Domain returns the prefix of the kind (e.g. "journey").
func (k Kind) Domain() string {
	if i := strings.IndexByte(string(k), '.'); i >= 0 {
		return string(k[:i])
	}
	return string(k)
}

// Kinds lists the known kinds in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindPhaseEntered,
		KindCheckpointReached,
		KindCheckpointRetracted,
		KindReflectionRecorded,
		KindBehaviorObserved,
		KindRegressionAuthorized,
		KindPhaseRegressed,
	}
}

// Event represents an immutable fact in a subject's journal.
type Event struct {
	// ID is the event identity. Assigned by storage on append.
	ID string
	// SubjectID is the person whose journey this event belongs to.
	SubjectID string
	// Seq is the 1-based, gapless sequence within the subject.
	// Assigned by storage on append.
	Seq uint64
	// Kind identifies the event kind.
	Kind Kind
	// PayloadJSON holds the kind-specific payload.
	PayloadJSON []byte
	// Timestamp is when the event was recorded (UTC, millisecond precision).
	Timestamp time.Time
	// IdempotencyKey deduplicates client retries within the subject.
	IdempotencyKey string
	// ActorID identifies who submitted the command that produced the event.
	ActorID string
	// Hash is the content hash of the envelope.
	// Assigned by storage on append.
	Hash string
	// PrevHash is the predecessor's chain hash (empty for seq 1).
	// Assigned by storage on append.
	PrevHash string
	// ChainHash links this event to its predecessor.
	// Assigned by storage on append.
	ChainHash string
	// SignatureKeyID identifies the HMAC key used to sign the chain hash.
	SignatureKeyID string
	// Signature is the HMAC signature of the chain hash.
	Signature string
}

// PhaseEnteredPayload is the payload of KindPhaseEntered.
type PhaseEnteredPayload struct {
	Phase string `json:"phase"`
}

// CheckpointReachedPayload is the payload of KindCheckpointReached.
type CheckpointReachedPayload struct {
	Phase      string `json:"phase"`
	Checkpoint string `json:"checkpoint"`
}

// CheckpointRetractedPayload is the payload of KindCheckpointRetracted.
type CheckpointRetractedPayload struct {
	Phase       string `json:"phase"`
	Checkpoint  string `json:"checkpoint"`
	RetractsSeq uint64 `json:"retracts_seq"`
	Reason      string `json:"reason,omitempty"`
}

// ReflectionRecordedPayload is the payload of KindReflectionRecorded.
type ReflectionRecordedPayload struct {
	Phase         string `json:"phase"`
	Text          string `json:"text"`
	DeclaresReady bool   `json:"declares_ready"`
}

// BehaviorObservedPayload is the payload of KindBehaviorObserved.
type BehaviorObservedPayload struct {
	Signal string `json:"signal"`
	Note   string `json:"note,omitempty"`
}

// RegressionAuthorizedPayload is the payload of KindRegressionAuthorized.
type RegressionAuthorizedPayload struct {
	ToPhase      string    `json:"to_phase"`
	AuthorizedBy string    `json:"authorized_by"`
	Reason       string    `json:"reason,omitempty"`
	GrantID      string    `json:"grant_id"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

// PhaseRegressedPayload is the payload of KindPhaseRegressed.
type PhaseRegressedPayload struct {
	FromPhase        string `json:"from_phase"`
	ToPhase          string `json:"to_phase"`
	AuthorizationSeq uint64 `json:"authorization_seq"`
}

// Decode unmarshals the event payload into target, wrapping failures in
// ErrPayloadInvalid.
func Decode[T any](evt Event) (T, error) {
	var payload T
	if len(evt.PayloadJSON) == 0 {
		return payload, fmt.Errorf("%w: %s seq=%d: empty payload", ErrPayloadInvalid, evt.Kind, evt.Seq)
	}
	if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
		return payload, fmt.Errorf("%w: %s seq=%d: %v", ErrPayloadInvalid, evt.Kind, evt.Seq, err)
	}
	return payload, nil
}

// Encode marshals a payload for a new event.
func Encode(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// NormalizeID trims and NFC-normalizes an identifier so visually identical
// phase, checkpoint and subject ids compare equal. Case is preserved.
func NormalizeID(value string) string {
	return norm.NFC.String(strings.TrimSpace(value))
}

// NormalizeText trims surrounding whitespace and NFC-normalizes free text.
// Inner whitespace, line breaks included, is kept.
func NormalizeText(value string) string {
	return norm.NFC.String(strings.TrimSpace(value))
}
