package phase

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrDenied is matched by every *DeniedError.
var ErrDenied = errors.New("transition denied")

// DenialReason is the machine-readable reason a transition is refused.
type DenialReason string

const (
	// ReasonMissingCheckpoints means the source phase has unsatisfied checkpoints.
	ReasonMissingCheckpoints DenialReason = "MissingCheckpoints"
	// ReasonIllegalPhaseEdge means no advance, regress or entry edge connects the phases.
	ReasonIllegalPhaseEdge DenialReason = "IllegalPhaseEdge"
	// ReasonNotAuthorizedForRegression means a regression edge exists but no
	// pending authorization targets it.
	ReasonNotAuthorizedForRegression DenialReason = "NotAuthorizedForRegression"
)

// TransitionKind classifies an allowed transition.
type TransitionKind string

const (
	TransitionEnter   TransitionKind = "enter"
	TransitionAdvance TransitionKind = "advance"
	TransitionRegress TransitionKind = "regress"
)

// State is the slice of a projected journey the state machine needs.
type State interface {
	// HasCheckpoint reports whether checkpoint is currently reached in phase.
	HasCheckpoint(phase, checkpoint string) bool
	// AuthorizedRegression returns the target of the pending regression
	// authorization, if any.
	AuthorizedRegression() (string, bool)
}

// Verdict is the result of CanTransition.
type Verdict struct {
	Allowed bool
	Kind    TransitionKind
	Reason  DenialReason
	// Missing lists unsatisfied checkpoints, in catalog order, when Reason is
	// ReasonMissingCheckpoints.
	Missing []string
	From    string
	To      string
}

// Err returns nil for an allowed verdict and a *DeniedError otherwise.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return &DeniedError{Reason: v.Reason, From: v.From, To: v.To, Missing: slices.Clone(v.Missing)}
}

// DeniedError describes a refused transition.
type DeniedError struct {
	Reason  DenialReason
	From    string
	To      string
	Missing []string
}

func (e *DeniedError) Error() string {
	if e == nil {
		return ErrDenied.Error()
	}
	msg := fmt.Sprintf("%s: %s %q -> %q", ErrDenied, e.Reason, e.From, e.To)
	if len(e.Missing) > 0 {
		msg += " missing=" + strings.Join(e.Missing, ",")
	}
	return msg
}

// Is lets errors.Is match ErrDenied.
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// CanTransition reports whether a subject in state may move from one phase
// to another. from is empty for a subject that has not entered any phase.
func (c *Catalog) CanTransition(from, to string, state State) Verdict {
	verdict := Verdict{From: from, To: to}
	deny := func(reason DenialReason) Verdict {
		verdict.Reason = reason
		return verdict
	}

	if from == "" {
		if to != c.initial {
			return deny(ReasonIllegalPhaseEdge)
		}
		verdict.Allowed = true
		verdict.Kind = TransitionEnter
		return verdict
	}

	fromDef, ok := c.definition(from)
	if !ok {
		return deny(ReasonIllegalPhaseEdge)
	}
	if _, ok := c.index[to]; !ok || from == to {
		return deny(ReasonIllegalPhaseEdge)
	}

	if slices.Contains(fromDef.Next, to) {
		for _, cp := range fromDef.Checkpoints {
			if state == nil || !state.HasCheckpoint(from, cp) {
				verdict.Missing = append(verdict.Missing, cp)
			}
		}
		if len(verdict.Missing) > 0 {
			return deny(ReasonMissingCheckpoints)
		}
		verdict.Allowed = true
		verdict.Kind = TransitionAdvance
		return verdict
	}

	if slices.Contains(fromDef.RegressTo, to) {
		if state == nil {
			return deny(ReasonNotAuthorizedForRegression)
		}
		target, pending := state.AuthorizedRegression()
		if !pending || target != to {
			return deny(ReasonNotAuthorizedForRegression)
		}
		verdict.Allowed = true
		verdict.Kind = TransitionRegress
		return verdict
	}

	return deny(ReasonIllegalPhaseEdge)
}

// CanRegressTo reports whether to is a regression target of from, ignoring
// authorization. Used to validate authorization grants before they are recorded.
func (c *Catalog) CanRegressTo(from, to string) bool {
	def, ok := c.definition(from)
	if !ok {
		return false
	}
	return slices.Contains(def.RegressTo, to)
}
