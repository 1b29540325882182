package journey

import (
	"maps"
	"slices"
	"time"

	"github.com/louisbranch/formation/internal/services/formation/domain/event"
)

// SignalSource identifies which event kind produced a readiness signal.
type SignalSource string

const (
	SourceBehavior   SignalSource = "behavior"
	SourceCheckpoint SignalSource = "checkpoint"
	SourceReflection SignalSource = "reflection"
)

// Signal names for signals not carried by a behavior payload.
const (
	SignalCheckpointReached = "checkpoint_reached"
	SignalReflection        = "reflection"
)

// CheckpointMark records when a checkpoint was reached.
type CheckpointMark struct {
	Seq       uint64    `json:"seq"`
	ReachedAt time.Time `json:"reached_at"`
	ActorID   string    `json:"actor_id,omitempty"`
}

// Reflection is a recorded reflection.
type Reflection struct {
	Seq           uint64    `json:"seq"`
	Phase         string    `json:"phase"`
	Text          string    `json:"text"`
	DeclaresReady bool      `json:"declares_ready"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Signal is one behavioral input to readiness.
type Signal struct {
	Seq    uint64       `json:"seq"`
	Name   string       `json:"name"`
	Source SignalSource `json:"source"`
	At     time.Time    `json:"at"`
	// SelfReport marks a reflection in which the subject declared readiness.
	SelfReport bool `json:"self_report,omitempty"`
}

// PhaseVisit is one entry in the phase history.
type PhaseVisit struct {
	Phase     string    `json:"phase"`
	Seq       uint64    `json:"seq"`
	EnteredAt time.Time `json:"entered_at"`
	Regressed bool      `json:"regressed,omitempty"`
}

// RegressionGrant is a recorded, not yet consumed, regression authorization.
type RegressionGrant struct {
	Seq          uint64    `json:"seq"`
	ToPhase      string    `json:"to_phase"`
	AuthorizedBy string    `json:"authorized_by"`
	Reason       string    `json:"reason,omitempty"`
	GrantID      string    `json:"grant_id"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

// SkippedEvent records an event whose kind this build does not understand.
type SkippedEvent struct {
	Seq  uint64     `json:"seq"`
	Kind event.Kind `json:"kind"`
}

// Journey is the projected state of one subject.
type Journey struct {
	SubjectID  string `json:"subject_id"`
	AppliedSeq uint64 `json:"applied_seq"`
	Started    bool   `json:"started"`
	Phase      string `json:"phase"`

	PhaseHistory      []PhaseVisit                          `json:"phase_history,omitempty"`
	Checkpoints       map[string]map[string]CheckpointMark `json:"checkpoints,omitempty"`
	Reflections       []Reflection                          `json:"reflections,omitempty"`
	Signals           []Signal                              `json:"signals,omitempty"`
	PendingRegression *RegressionGrant                      `json:"pending_regression,omitempty"`
	// UsedGrants maps every recorded regression grant id to the seq that
	// recorded it, consumed or not.
	UsedGrants   map[string]uint64 `json:"used_grants,omitempty"`
	Unrecognized []SkippedEvent    `json:"unrecognized,omitempty"`
	LastEventAt  time.Time         `json:"last_event_at,omitzero"`
}

// Empty returns the journey of a subject with no events.
func Empty(subjectID string) Journey {
	return Journey{SubjectID: subjectID}
}

// HasCheckpoint reports whether checkpoint is currently reached in phase.
func (j Journey) HasCheckpoint(phase, checkpoint string) bool {
	_, ok := j.Checkpoints[phase][checkpoint]
	return ok
}

// AuthorizedRegression returns the target of the pending regression grant.
func (j Journey) AuthorizedRegression() (string, bool) {
	if j.PendingRegression == nil {
		return "", false
	}
	return j.PendingRegression.ToPhase, true
}

// ReachedCheckpoints returns the reached checkpoints of phase, sorted.
func (j Journey) ReachedCheckpoints(phase string) []string {
	return slices.Sorted(maps.Keys(j.Checkpoints[phase]))
}

// Clone returns a deep copy that shares no mutable state with j.
func (j Journey) Clone() Journey {
	out := j
	out.PhaseHistory = slices.Clone(j.PhaseHistory)
	out.Reflections = slices.Clone(j.Reflections)
	out.Signals = slices.Clone(j.Signals)
	out.Unrecognized = slices.Clone(j.Unrecognized)
	if j.Checkpoints != nil {
		out.Checkpoints = make(map[string]map[string]CheckpointMark, len(j.Checkpoints))
		for phase, marks := range j.Checkpoints {
			out.Checkpoints[phase] = maps.Clone(marks)
		}
	}
	out.UsedGrants = maps.Clone(j.UsedGrants)
	if j.PendingRegression != nil {
		grant := *j.PendingRegression
		out.PendingRegression = &grant
	}
	return out
}
