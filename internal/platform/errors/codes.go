// Package errors provides structured, coded errors for the formation service
// boundary.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeSubjectIDRequired Code = "SUBJECT_ID_REQUIRED"
	CodeUnknownCommand    Code = "UNKNOWN_COMMAND"
	CodeInvalidPayload    Code = "INVALID_PAYLOAD"

	// Journal errors
	CodeSequenceConflict Code = "SEQUENCE_CONFLICT"
	CodeDuplicateEvent   Code = "DUPLICATE_EVENT"

	// Denials raised by the phase state machine
	CodeDeniedMissingCheckpoints          Code = "DENIED_MISSING_CHECKPOINTS"
	CodeDeniedIllegalPhaseEdge            Code = "DENIED_ILLEGAL_PHASE_EDGE"
	CodeDeniedNotAuthorizedForRegression  Code = "DENIED_NOT_AUTHORIZED_FOR_REGRESSION"
	CodeDeniedJourneyNotStarted           Code = "DENIED_JOURNEY_NOT_STARTED"
	CodeDeniedJourneyAlreadyStarted       Code = "DENIED_JOURNEY_ALREADY_STARTED"
	CodeDeniedCheckpointUnknown           Code = "DENIED_CHECKPOINT_UNKNOWN"
	CodeDeniedCheckpointAlreadyReached    Code = "DENIED_CHECKPOINT_ALREADY_REACHED"
	CodeDeniedCheckpointNotReached        Code = "DENIED_CHECKPOINT_NOT_REACHED"
	CodeDeniedRegressionGrantInvalid      Code = "DENIED_REGRESSION_GRANT_INVALID"
	CodeDeniedRegressionGrantExpired      Code = "DENIED_REGRESSION_GRANT_EXPIRED"
	CodeDeniedRegressionGrantSubjectMatch Code = "DENIED_REGRESSION_GRANT_SUBJECT_MISMATCH"

	// Infrastructure errors
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeCorruptProjection  Code = "CORRUPT_PROJECTION"
	CodeTimeout            Code = "TIMEOUT"
	CodeNotFound           Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeInvalidArgument,
		CodeSubjectIDRequired,
		CodeUnknownCommand,
		CodeInvalidPayload:
		return codes.InvalidArgument

	// FailedPrecondition - the journey state doesn't allow the command
	case CodeDeniedMissingCheckpoints,
		CodeDeniedIllegalPhaseEdge,
		CodeDeniedNotAuthorizedForRegression,
		CodeDeniedJourneyNotStarted,
		CodeDeniedJourneyAlreadyStarted,
		CodeDeniedCheckpointUnknown,
		CodeDeniedCheckpointAlreadyReached,
		CodeDeniedCheckpointNotReached:
		return codes.FailedPrecondition

	// PermissionDenied - authorization grant rejected
	case CodeDeniedRegressionGrantInvalid,
		CodeDeniedRegressionGrantExpired,
		CodeDeniedRegressionGrantSubjectMatch:
		return codes.PermissionDenied

	// Aborted - optimistic concurrency, caller must re-read
	case CodeSequenceConflict:
		return codes.Aborted

	// AlreadyExists - idempotent replay of a committed command
	case CodeDuplicateEvent:
		return codes.AlreadyExists

	case CodeStorageUnavailable:
		return codes.Unavailable

	case CodeTimeout:
		return codes.DeadlineExceeded

	case CodeCorruptProjection:
		return codes.DataLoss

	case CodeNotFound:
		return codes.NotFound

	default:
		return codes.Internal
	}
}

// Retryable reports whether a caller may resubmit after this code without
// changing the command.
func (c Code) Retryable() bool {
	switch c {
	case CodeSequenceConflict, CodeStorageUnavailable, CodeTimeout:
		return true
	default:
		return false
	}
}

// IsDenial reports whether the code is a domain-rule rejection.
func (c Code) IsDenial() bool {
	switch c.GRPCCode() {
	case codes.FailedPrecondition, codes.PermissionDenied:
		return true
	default:
		return false
	}
}
