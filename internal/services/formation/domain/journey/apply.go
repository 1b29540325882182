package journey

import (
	"errors"
	"fmt"
	"slices"

	"github.com/louisbranch/formation/internal/services/formation/domain/event"
)

// ErrCorruptProjection indicates events that cannot be folded: a sequence
// gap, a subject mismatch or an undecodable payload for a known kind.
var ErrCorruptProjection = errors.New("corrupt projection")

// CorruptionError carries the position of a fold failure.
type CorruptionError struct {
	SubjectID string
	Seq       uint64
	Detail    string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s: subject=%s seq=%d: %s", ErrCorruptProjection, e.SubjectID, e.Seq, e.Detail)
}

// Is lets errors.Is match ErrCorruptProjection.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptProjection
}

// Project folds events, in order, into a journey. An empty input yields the
// zero Journey.
func Project(events []event.Event) (Journey, error) {
	if len(events) == 0 {
		return Journey{}, nil
	}
	j := Empty(events[0].SubjectID)
	for _, evt := range events {
		if err := j.apply(evt); err != nil {
			return Journey{}, err
		}
	}
	return j, nil
}

// Apply returns j with evt folded in. j is never modified.
func Apply(j Journey, evt event.Event) (Journey, error) {
	next := j.Clone()
	if err := next.apply(evt); err != nil {
		return j, err
	}
	return next, nil
}

// ApplyAll folds a contiguous delta onto j. j is never modified.
func ApplyAll(j Journey, events []event.Event) (Journey, error) {
	next := j.Clone()
	for _, evt := range events {
		if err := next.apply(evt); err != nil {
			return j, err
		}
	}
	return next, nil
}

func (j *Journey) apply(evt event.Event) error {
	if j.SubjectID == "" {
		j.SubjectID = evt.SubjectID
	}
	if evt.SubjectID != j.SubjectID {
		return &CorruptionError{SubjectID: j.SubjectID, Seq: evt.Seq, Detail: fmt.Sprintf("event belongs to subject %q", evt.SubjectID)}
	}
	if evt.Seq != j.AppliedSeq+1 {
		return &CorruptionError{SubjectID: j.SubjectID, Seq: evt.Seq, Detail: fmt.Sprintf("event sequence gap: expected %d got %d", j.AppliedSeq+1, evt.Seq)}
	}

	var err error
	switch evt.Kind {
	case event.KindPhaseEntered:
		err = j.applyPhaseEntered(evt)
	case event.KindCheckpointReached:
		err = j.applyCheckpointReached(evt)
	case event.KindCheckpointRetracted:
		err = j.applyCheckpointRetracted(evt)
	case event.KindReflectionRecorded:
		err = j.applyReflectionRecorded(evt)
	case event.KindBehaviorObserved:
		err = j.applyBehaviorObserved(evt)
	case event.KindRegressionAuthorized:
		err = j.applyRegressionAuthorized(evt)
	case event.KindPhaseRegressed:
		err = j.applyPhaseRegressed(evt)
	default:
		j.Unrecognized = append(j.Unrecognized, SkippedEvent{Seq: evt.Seq, Kind: evt.Kind})
	}
	if err != nil {
		return &CorruptionError{SubjectID: j.SubjectID, Seq: evt.Seq, Detail: err.Error()}
	}

	j.AppliedSeq = evt.Seq
	j.LastEventAt = evt.Timestamp
	return nil
}

func (j *Journey) applyPhaseEntered(evt event.Event) error {
	p, err := event.Decode[event.PhaseEnteredPayload](evt)
	if err != nil {
		return err
	}
	j.Started = true
	j.Phase = p.Phase
	j.PhaseHistory = append(j.PhaseHistory, PhaseVisit{Phase: p.Phase, Seq: evt.Seq, EnteredAt: evt.Timestamp})
	return nil
}

func (j *Journey) applyCheckpointReached(evt event.Event) error {
	p, err := event.Decode[event.CheckpointReachedPayload](evt)
	if err != nil {
		return err
	}
	if j.Checkpoints == nil {
		j.Checkpoints = make(map[string]map[string]CheckpointMark)
	}
	if j.Checkpoints[p.Phase] == nil {
		j.Checkpoints[p.Phase] = make(map[string]CheckpointMark)
	}
	j.Checkpoints[p.Phase][p.Checkpoint] = CheckpointMark{Seq: evt.Seq, ReachedAt: evt.Timestamp, ActorID: evt.ActorID}
	j.Signals = append(j.Signals, Signal{Seq: evt.Seq, Name: SignalCheckpointReached, Source: SourceCheckpoint, At: evt.Timestamp})
	return nil
}

func (j *Journey) applyCheckpointRetracted(evt event.Event) error {
	p, err := event.Decode[event.CheckpointRetractedPayload](evt)
	if err != nil {
		return err
	}
	mark, ok := j.Checkpoints[p.Phase][p.Checkpoint]
	if !ok {
		return nil
	}
	if p.RetractsSeq != 0 && p.RetractsSeq != mark.Seq {
		return nil
	}
	delete(j.Checkpoints[p.Phase], p.Checkpoint)
	j.Signals = slices.DeleteFunc(j.Signals, func(s Signal) bool { return s.Seq == mark.Seq })
	return nil
}

func (j *Journey) applyReflectionRecorded(evt event.Event) error {
	p, err := event.Decode[event.ReflectionRecordedPayload](evt)
	if err != nil {
		return err
	}
	j.Reflections = append(j.Reflections, Reflection{
		Seq:           evt.Seq,
		Phase:         p.Phase,
		Text:          p.Text,
		DeclaresReady: p.DeclaresReady,
		RecordedAt:    evt.Timestamp,
	})
	j.Signals = append(j.Signals, Signal{
		Seq:        evt.Seq,
		Name:       SignalReflection,
		Source:     SourceReflection,
		At:         evt.Timestamp,
		SelfReport: p.DeclaresReady,
	})
	return nil
}

func (j *Journey) applyBehaviorObserved(evt event.Event) error {
	p, err := event.Decode[event.BehaviorObservedPayload](evt)
	if err != nil {
		return err
	}
	j.Signals = append(j.Signals, Signal{Seq: evt.Seq, Name: p.Signal, Source: SourceBehavior, At: evt.Timestamp})
	return nil
}

func (j *Journey) applyRegressionAuthorized(evt event.Event) error {
	p, err := event.Decode[event.RegressionAuthorizedPayload](evt)
	if err != nil {
		return err
	}
	j.PendingRegression = &RegressionGrant{
		Seq:          evt.Seq,
		ToPhase:      p.ToPhase,
		AuthorizedBy: p.AuthorizedBy,
		Reason:       p.Reason,
		GrantID:      p.GrantID,
		ExpiresAt:    p.ExpiresAt,
	}
	if p.GrantID != "" {
		if j.UsedGrants == nil {
			j.UsedGrants = make(map[string]uint64)
		}
		j.UsedGrants[p.GrantID] = evt.Seq
	}
	return nil
}

// applyPhaseRegressed moves the subject back and clears the checkpoints of
// the target phase and of every phase entered after it, so they must be
// reached again. Readiness signals are kept.
func (j *Journey) applyPhaseRegressed(evt event.Event) error {
	p, err := event.Decode[event.PhaseRegressedPayload](evt)
	if err != nil {
		return err
	}
	cleared := map[string]bool{p.ToPhase: true}
	for i := len(j.PhaseHistory) - 1; i >= 0; i-- {
		visit := j.PhaseHistory[i]
		cleared[visit.Phase] = true
		if visit.Phase == p.ToPhase {
			break
		}
	}
	for phase := range cleared {
		delete(j.Checkpoints, phase)
	}

	j.Phase = p.ToPhase
	j.PhaseHistory = append(j.PhaseHistory, PhaseVisit{Phase: p.ToPhase, Seq: evt.Seq, EnteredAt: evt.Timestamp, Regressed: true})
	j.PendingRegression = nil
	return nil
}
