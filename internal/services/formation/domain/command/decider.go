package command

import (
	"fmt"
	"time"

	apperrors "github.com/louisbranch/formation/internal/platform/errors"
	"github.com/louisbranch/formation/internal/services/formation/domain/authz"
	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"github.com/louisbranch/formation/internal/services/formation/domain/journey"
	"github.com/louisbranch/formation/internal/services/formation/domain/phase"
)

// GrantVerifier verifies regression authorization tokens.
type GrantVerifier interface {
	Verify(token, subjectID string, now time.Time) (authz.Grant, error)
}

// Decider turns a validated command and the current journey into a decision.
type Decider struct {
	Catalog *phase.Catalog
	// Grants verifies regression tokens. Nil rejects every regression.authorize.
	Grants GrantVerifier
	// KnownSignal restricts behavior.observe to configured signal names.
	// Nil accepts any name.
	KnownSignal func(name string) bool
}

// Decide returns the events a command produces, or why it was rejected. The
// decision depends only on its inputs.
func (d Decider) Decide(j journey.Journey, cmd Command, now time.Time) Decision {
	if d.Catalog == nil {
		return Reject(Rejection{Code: apperrors.CodeInvalidArgument, Message: "phase catalog is required"})
	}
	now = now.UTC()

	if cmd.Type == TypeJourneyBegin {
		return d.decideBegin(j, cmd, now)
	}
	if !j.Started {
		return Reject(Rejection{Code: apperrors.CodeDeniedJourneyNotStarted, Message: "journey has not started"})
	}

	switch cmd.Type {
	case TypeCheckpointReach:
		return d.decideCheckpointReach(j, cmd, now)
	case TypeCheckpointRetract:
		return d.decideCheckpointRetract(j, cmd, now)
	case TypeReflectionRecord:
		return d.decideReflection(j, cmd, now)
	case TypeBehaviorObserve:
		return d.decideBehavior(cmd, now)
	case TypePhaseAdvance:
		return d.decideAdvance(j, cmd, now)
	case TypeRegressionAuthorize:
		return d.decideAuthorize(j, cmd, now)
	case TypePhaseRegress:
		return d.decideRegress(j, cmd, now)
	default:
		return Reject(Rejection{Code: apperrors.CodeUnknownCommand, Message: fmt.Sprintf("command type %q has no decider", cmd.Type)})
	}
}

func (d Decider) decideBegin(j journey.Journey, cmd Command, now time.Time) Decision {
	if j.Started {
		return Reject(Rejection{Code: apperrors.CodeDeniedJourneyAlreadyStarted, Message: "journey already started", From: j.Phase})
	}
	verdict := d.Catalog.CanTransition("", d.Catalog.Initial(), j)
	if !verdict.Allowed {
		return rejectVerdict(verdict)
	}
	return accept(cmd, event.KindPhaseEntered, event.PhaseEnteredPayload{Phase: verdict.To}, now)
}

func (d Decider) decideCheckpointReach(j journey.Journey, cmd Command, now time.Time) Decision {
	p, err := Decode[CheckpointReachPayload](cmd.PayloadJSON)
	if err != nil {
		return rejectErr(apperrors.Wrap(apperrors.CodeInvalidPayload, "checkpoint.reach payload invalid", err))
	}
	checkpoint := event.NormalizeID(p.Checkpoint)
	phaseID := event.NormalizeID(p.Phase)
	if phaseID == "" {
		phaseID = j.Phase
	}
	if phaseID != j.Phase {
		return Reject(Rejection{
			Code:    apperrors.CodeDeniedCheckpointUnknown,
			Message: fmt.Sprintf("checkpoints can only be reached in the current phase %q", j.Phase),
			From:    j.Phase,
		})
	}
	if !d.Catalog.HasCheckpoint(phaseID, checkpoint) {
		return Reject(Rejection{
			Code:    apperrors.CodeDeniedCheckpointUnknown,
			Message: fmt.Sprintf("checkpoint %q is not declared for phase %q", checkpoint, phaseID),
			From:    phaseID,
		})
	}
	if j.HasCheckpoint(phaseID, checkpoint) {
		return Reject(Rejection{
			Code:    apperrors.CodeDeniedCheckpointAlreadyReached,
			Message: fmt.Sprintf("checkpoint %q already reached in phase %q", checkpoint, phaseID),
			From:    phaseID,
		})
	}
	return accept(cmd, event.KindCheckpointReached, event.CheckpointReachedPayload{Phase: phaseID, Checkpoint: checkpoint}, now)
}

func (d Decider) decideCheckpointRetract(j journey.Journey, cmd Command, now time.Time) Decision {
	p, err := Decode[CheckpointRetractPayload](cmd.PayloadJSON)
	if err != nil {
		return rejectErr(apperrors.Wrap(apperrors.CodeInvalidPayload, "checkpoint.retract payload invalid", err))
	}
	checkpoint := event.NormalizeID(p.Checkpoint)
	phaseID := event.NormalizeID(p.Phase)
	if phaseID == "" {
		phaseID = j.Phase
	}
	mark, ok := j.Checkpoints[phaseID][checkpoint]
	if !ok {
		return Reject(Rejection{
			Code:    apperrors.CodeDeniedCheckpointNotReached,
			Message: fmt.Sprintf("checkpoint %q is not reached in phase %q", checkpoint, phaseID),
			From:    phaseID,
		})
	}
	return accept(cmd, event.KindCheckpointRetracted, event.CheckpointRetractedPayload{
		Phase:       phaseID,
		Checkpoint:  checkpoint,
		RetractsSeq: mark.Seq,
		Reason:      event.NormalizeText(p.Reason),
	}, now)
}

func (d Decider) decideReflection(j journey.Journey, cmd Command, now time.Time) Decision {
	p, err := Decode[ReflectionRecordPayload](cmd.PayloadJSON)
	if err != nil {
		return rejectErr(apperrors.Wrap(apperrors.CodeInvalidPayload, "reflection.record payload invalid", err))
	}
	text := event.NormalizeText(p.Text)
	if text == "" {
		return Reject(Rejection{Code: apperrors.CodeInvalidPayload, Message: "reflection text is required"})
	}
	return accept(cmd, event.KindReflectionRecorded, event.ReflectionRecordedPayload{
		Phase:         j.Phase,
		Text:          text,
		DeclaresReady: p.DeclaresReady,
	}, now)
}

func (d Decider) decideBehavior(cmd Command, now time.Time) Decision {
	p, err := Decode[BehaviorObservePayload](cmd.PayloadJSON)
	if err != nil {
		return rejectErr(apperrors.Wrap(apperrors.CodeInvalidPayload, "behavior.observe payload invalid", err))
	}
	signal := event.NormalizeID(p.Signal)
	if signal == "" {
		return Reject(Rejection{Code: apperrors.CodeInvalidPayload, Message: "signal is required"})
	}
	if d.KnownSignal != nil && !d.KnownSignal(signal) {
		return Reject(Rejection{Code: apperrors.CodeInvalidPayload, Message: fmt.Sprintf("signal %q is not configured", signal)})
	}
	return accept(cmd, event.KindBehaviorObserved, event.BehaviorObservedPayload{
		Signal: signal,
		Note:   event.NormalizeText(p.Note),
	}, now)
}

func (d Decider) decideAdvance(j journey.Journey, cmd Command, now time.Time) Decision {
	p, err := Decode[PhaseAdvancePayload](cmd.PayloadJSON)
	if err != nil {
		return rejectErr(apperrors.Wrap(apperrors.CodeInvalidPayload, "phase.advance payload invalid", err))
	}
	to := event.NormalizeID(p.ToPhase)
	if to == "" {
		def, _ := d.Catalog.Phase(j.Phase)
		if len(def.Next) != 1 {
			return Reject(Rejection{
				Code:    apperrors.CodeDeniedIllegalPhaseEdge,
				Message: fmt.Sprintf("phase %q has %d next phases, to_phase is required", j.Phase, len(def.Next)),
				From:    j.Phase,
			})
		}
		to = def.Next[0]
	}
	verdict := d.Catalog.CanTransition(j.Phase, to, j)
	if !verdict.Allowed {
		return rejectVerdict(verdict)
	}
	if verdict.Kind != phase.TransitionAdvance {
		return Reject(Rejection{
			Code:    apperrors.CodeDeniedIllegalPhaseEdge,
			Message: fmt.Sprintf("%q -> %q is a regression, use phase.regress", j.Phase, to),
			From:    j.Phase,
			To:      to,
		})
	}
	return accept(cmd, event.KindPhaseEntered, event.PhaseEnteredPayload{Phase: to}, now)
}

func (d Decider) decideAuthorize(j journey.Journey, cmd Command, now time.Time) Decision {
	p, err := Decode[RegressionAuthorizePayload](cmd.PayloadJSON)
	if err != nil {
		return rejectErr(apperrors.Wrap(apperrors.CodeInvalidPayload, "regression.authorize payload invalid", err))
	}
	if d.Grants == nil {
		return Reject(Rejection{Code: apperrors.CodeDeniedRegressionGrantInvalid, Message: authz.ErrNotConfigured.Error()})
	}
	grant, err := d.Grants.Verify(p.Grant, j.SubjectID, now)
	if err != nil {
		return rejectErr(err)
	}
	to := event.NormalizeID(grant.ToPhase)
	if !d.Catalog.CanRegressTo(j.Phase, to) {
		return Reject(Rejection{
			Code:    apperrors.CodeDeniedIllegalPhaseEdge,
			Message: fmt.Sprintf("phase %q cannot regress to %q", j.Phase, to),
			From:    j.Phase,
			To:      to,
		})
	}
	if seq, used := j.UsedGrants[grant.ID]; used {
		return Reject(Rejection{
			Code:    apperrors.CodeDeniedRegressionGrantInvalid,
			Message: fmt.Sprintf("regression grant %q was already recorded at seq %d", grant.ID, seq),
		})
	}
	return accept(cmd, event.KindRegressionAuthorized, event.RegressionAuthorizedPayload{
		ToPhase:      to,
		AuthorizedBy: grant.AuthorizedBy,
		Reason:       event.NormalizeText(grant.Reason),
		GrantID:      grant.ID,
		ExpiresAt:    grant.ExpiresAt,
	}, now)
}

func (d Decider) decideRegress(j journey.Journey, cmd Command, now time.Time) Decision {
	p, err := Decode[PhaseRegressPayload](cmd.PayloadJSON)
	if err != nil {
		return rejectErr(apperrors.Wrap(apperrors.CodeInvalidPayload, "phase.regress payload invalid", err))
	}
	pending := j.PendingRegression
	to := event.NormalizeID(p.ToPhase)
	if to == "" && pending != nil {
		to = pending.ToPhase
	}
	if pending != nil && !pending.ExpiresAt.IsZero() && !pending.ExpiresAt.After(now) {
		return Reject(Rejection{
			Code:    apperrors.CodeDeniedRegressionGrantExpired,
			Message: fmt.Sprintf("regression authorization %q expired", pending.GrantID),
			From:    j.Phase,
			To:      to,
		})
	}
	verdict := d.Catalog.CanTransition(j.Phase, to, j)
	if !verdict.Allowed {
		return rejectVerdict(verdict)
	}
	if verdict.Kind != phase.TransitionRegress {
		return Reject(Rejection{
			Code:    apperrors.CodeDeniedIllegalPhaseEdge,
			Message: fmt.Sprintf("%q -> %q is not a regression, use phase.advance", j.Phase, to),
			From:    j.Phase,
			To:      to,
		})
	}
	return accept(cmd, event.KindPhaseRegressed, event.PhaseRegressedPayload{
		FromPhase:        j.Phase,
		ToPhase:          to,
		AuthorizationSeq: pending.Seq,
	}, now)
}

// accept builds the single event a command produces. Storage assigns the id,
// the sequence and the integrity envelope on append.
func accept(cmd Command, kind event.Kind, payload any, now time.Time) Decision {
	data, err := event.Encode(payload)
	if err != nil {
		return Reject(Rejection{Code: apperrors.CodeInvalidPayload, Message: err.Error()})
	}
	return Accept(event.Event{
		SubjectID:      cmd.SubjectID,
		Kind:           kind,
		PayloadJSON:    data,
		Timestamp:      now.Truncate(time.Millisecond),
		IdempotencyKey: cmd.IdempotencyKey,
		ActorID:        cmd.ActorID,
	})
}
