// Package eventtest builds gapless event sequences for tests.
package eventtest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/louisbranch/formation/internal/services/formation/domain/event"
)

// Builder appends events for one subject with consecutive sequence numbers
// and timestamps one minute apart.
type Builder struct {
	SubjectID string
	Start     time.Time
	Step      time.Duration
	events    []event.Event
}

// New returns a builder starting at 2026-01-05T09:00:00Z.
func New(subjectID string) *Builder {
	return &Builder{
		SubjectID: subjectID,
		Start:     time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
		Step:      time.Minute,
	}
}

// Add appends an event of kind with payload marshalled to JSON.
func (b *Builder) Add(kind event.Kind, payload any) *Builder {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("eventtest: marshal payload: %v", err))
	}
	seq := uint64(len(b.events) + 1)
	b.events = append(b.events, event.Event{
		ID:             fmt.Sprintf("%s-%d", b.SubjectID, seq),
		SubjectID:      b.SubjectID,
		Seq:            seq,
		Kind:           kind,
		PayloadJSON:    data,
		Timestamp:      b.Start.Add(time.Duration(seq-1) * b.Step),
		IdempotencyKey: fmt.Sprintf("idem-%d", seq),
	})
	return b
}

// Enter appends a phase_entered event.
func (b *Builder) Enter(phase string) *Builder {
	return b.Add(event.KindPhaseEntered, event.PhaseEnteredPayload{Phase: phase})
}

// Reach appends a checkpoint_reached event.
func (b *Builder) Reach(phase, checkpoint string) *Builder {
	return b.Add(event.KindCheckpointReached, event.CheckpointReachedPayload{Phase: phase, Checkpoint: checkpoint})
}

// Retract appends a checkpoint_retracted event.
func (b *Builder) Retract(phase, checkpoint string, seq uint64) *Builder {
	return b.Add(event.KindCheckpointRetracted, event.CheckpointRetractedPayload{Phase: phase, Checkpoint: checkpoint, RetractsSeq: seq})
}

// Reflect appends a reflection_recorded event.
func (b *Builder) Reflect(phase, text string, declaresReady bool) *Builder {
	return b.Add(event.KindReflectionRecorded, event.ReflectionRecordedPayload{Phase: phase, Text: text, DeclaresReady: declaresReady})
}

// Observe appends a behavior_observed event.
func (b *Builder) Observe(signal string) *Builder {
	return b.Add(event.KindBehaviorObserved, event.BehaviorObservedPayload{Signal: signal})
}

// Authorize appends a regression_authorized event.
func (b *Builder) Authorize(toPhase, by string) *Builder {
	return b.Add(event.KindRegressionAuthorized, event.RegressionAuthorizedPayload{ToPhase: toPhase, AuthorizedBy: by, GrantID: "grant-" + toPhase})
}

// Regress appends a phase_regressed event consuming the authorization at seq.
func (b *Builder) Regress(from, to string, authorizationSeq uint64) *Builder {
	return b.Add(event.KindPhaseRegressed, event.PhaseRegressedPayload{FromPhase: from, ToPhase: to, AuthorizationSeq: authorizationSeq})
}

// Events returns a copy of the built events.
func (b *Builder) Events() []event.Event {
	return append([]event.Event(nil), b.events...)
}

// Last returns the most recent event.
func (b *Builder) Last() event.Event {
	return b.events[len(b.events)-1]
}
