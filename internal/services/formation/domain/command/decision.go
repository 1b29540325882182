package command

import (
	"strings"

	apperrors "github.com/louisbranch/formation/internal/platform/errors"
	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"github.com/louisbranch/formation/internal/services/formation/domain/phase"
)

// Decision represents the pure outcome of handling a command.
type Decision struct {
	Events     []event.Event
	Rejections []Rejection
}

// Rejection captures a domain-level reason a command was declined.
type Rejection struct {
	Code    apperrors.Code
	Message string
	// Missing lists unsatisfied checkpoints for a missing-checkpoints denial.
	Missing []string
	From    string
	To      string
}

// Accept returns a decision that emits the provided events.
func Accept(events ...event.Event) Decision {
	return Decision{Events: append([]event.Event(nil), events...)}
}

// Reject returns a decision that carries the provided rejections.
func Reject(rejections ...Rejection) Decision {
	return Decision{Rejections: append([]Rejection(nil), rejections...)}
}

// Rejected reports whether the decision declined the command.
func (d Decision) Rejected() bool {
	return len(d.Rejections) > 0
}

// Err returns the first rejection as an application error, or nil.
func (d Decision) Err() error {
	if len(d.Rejections) == 0 {
		return nil
	}
	r := d.Rejections[0]
	metadata := map[string]string{}
	if r.From != "" {
		metadata["From"] = r.From
	}
	if r.To != "" {
		metadata["To"] = r.To
	}
	if len(r.Missing) > 0 {
		metadata["Missing"] = strings.Join(r.Missing, ",")
	}
	if len(metadata) == 0 {
		metadata = nil
	}
	return apperrors.WithMetadata(r.Code, r.Message, metadata)
}

// rejectVerdict converts a denied transition verdict into a rejection.
func rejectVerdict(v phase.Verdict) Decision {
	code := apperrors.CodeDeniedIllegalPhaseEdge
	switch v.Reason {
	case phase.ReasonMissingCheckpoints:
		code = apperrors.CodeDeniedMissingCheckpoints
	case phase.ReasonNotAuthorizedForRegression:
		code = apperrors.CodeDeniedNotAuthorizedForRegression
	}
	return Reject(Rejection{
		Code:    code,
		Message: v.Err().Error(),
		Missing: v.Missing,
		From:    v.From,
		To:      v.To,
	})
}

// rejectErr converts an application error into a rejection, keeping its code.
func rejectErr(err error) Decision {
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown {
		code = apperrors.CodeInvalidPayload
	}
	return Reject(Rejection{Code: code, Message: err.Error()})
}
