package storage

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/formation/internal/platform/errors"
	"github.com/louisbranch/formation/internal/services/formation/domain/event"
)

// ErrNotFound indicates a requested persistence record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrSequenceConflict indicates the caller's expected sequence is stale.
// Retryable after re-reading the subject.
var ErrSequenceConflict = apperrors.New(apperrors.CodeSequenceConflict, "sequence conflict")

// ErrDuplicateEvent indicates the idempotency key was already committed for
// the subject. Append returns the prior event alongside it.
var ErrDuplicateEvent = apperrors.New(apperrors.CodeDuplicateEvent, "duplicate event")

// ErrUnavailable indicates a transient storage failure.
var ErrUnavailable = apperrors.New(apperrors.CodeStorageUnavailable, "storage unavailable")

// ErrInvalidAppend indicates a malformed append request.
var ErrInvalidAppend = apperrors.New(apperrors.CodeInvalidArgument, "invalid append request")

// SequenceConflictError reports the expected and actual latest sequence.
type SequenceConflictError struct {
	SubjectID string
	Expected  uint64
	Actual    uint64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("sequence conflict subject=%s expected=%d actual=%d", e.SubjectID, e.Expected, e.Actual)
}

// Unwrap exposes ErrSequenceConflict to errors.Is.
func (e *SequenceConflictError) Unwrap() error {
	return ErrSequenceConflict
}

// Unavailable wraps a driver error so errors.Is matches ErrUnavailable while
// the cause stays visible.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// AppendRequest describes one event to append.
type AppendRequest struct {
	SubjectID string
	// ExpectedSeq must equal the subject's latest sequence (0 for a new subject).
	ExpectedSeq    uint64
	Kind           event.Kind
	PayloadJSON    []byte
	IdempotencyKey string
	ActorID        string
	// Timestamp defaults to the store clock when zero.
	Timestamp time.Time
}

// Validate checks the fields every store requires.
func (r AppendRequest) Validate() error {
	switch {
	case r.SubjectID == "":
		return fmt.Errorf("%w: subject id is required", ErrInvalidAppend)
	case !r.Kind.IsValid():
		return fmt.Errorf("%w: kind is required", ErrInvalidAppend)
	case r.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidAppend)
	}
	return nil
}

// EventStore is the append-only journal.
type EventStore interface {
	// Append commits one event atomically. Idempotency is checked first: a
	// committed key returns the prior event with ErrDuplicateEvent. Otherwise
	// a stale ExpectedSeq fails with *SequenceConflictError.
	Append(ctx context.Context, req AppendRequest) (event.Event, error)
	// ReadAll returns every event of a subject in sequence order.
	ReadAll(ctx context.Context, subjectID string) ([]event.Event, error)
	// ReadSince returns events with sequence strictly greater than seq.
	ReadSince(ctx context.Context, subjectID string, seq uint64) ([]event.Event, error)
	// ListEvents pages events after afterSeq, at most limit.
	ListEvents(ctx context.Context, subjectID string, afterSeq uint64, limit int) ([]event.Event, error)
	// LatestSeq returns the latest sequence, 0 when the subject has no events.
	LatestSeq(ctx context.Context, subjectID string) (uint64, error)
}

// IdempotencyIndex finds a committed event by its idempotency key so a
// retried command can be answered before it is decided again.
type IdempotencyIndex interface {
	// EventByIdempotencyKey returns the committed event or ErrNotFound.
	EventByIdempotencyKey(ctx context.Context, subjectID, key string) (event.Event, error)
}

// SubjectLister enumerates subjects with at least one event.
type SubjectLister interface {
	ListSubjects(ctx context.Context) ([]string, error)
}

// IntegrityVerifier recomputes a subject's hash chain.
type IntegrityVerifier interface {
	VerifySubject(ctx context.Context, subjectID string) error
}

// InspectionFlag marks a subject whose projection could not be rebuilt.
type InspectionFlag struct {
	SubjectID string
	// Seq is the last sequence that folded cleanly.
	Seq       uint64
	Reason    string
	FlaggedAt time.Time
}

// InspectionStore records subjects that need manual inspection.
type InspectionStore interface {
	FlagSubject(ctx context.Context, subjectID string, seq uint64, reason string) error
	ListFlagged(ctx context.Context) ([]InspectionFlag, error)
	ClearFlag(ctx context.Context, subjectID string) error
}

// Store is the composite used by the service.
type Store interface {
	EventStore
	IdempotencyIndex
	SubjectLister
	IntegrityVerifier
	InspectionStore
	Close() error
}

// Outbox row statuses.
const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxFailed     = "failed"
	OutboxDead       = "dead"
)

// OutboxEntry is one committed event awaiting publication.
type OutboxEntry struct {
	Event         event.Event
	Status        string
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
	UpdatedAt     time.Time
}

// OutboxSummary reports queue depth by status.
type OutboxSummary struct {
	Pending         int
	Processing      int
	Failed          int
	Dead            int
	OldestPendingAt time.Time
}

// OutboxStore is the transactional outbox filled by Append.
type OutboxStore interface {
	// ClaimOutbox leases up to limit due rows, including processing rows whose
	// lease expired, and returns them with their events.
	ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error)
	// CompleteOutbox removes a published row.
	CompleteOutbox(ctx context.Context, subjectID string, seq uint64) error
	// RetryOutbox schedules another attempt, or dead-letters the row once the
	// attempt threshold is reached.
	RetryOutbox(ctx context.Context, subjectID string, seq uint64, now time.Time, lastError string) error
	// RequeueDeadOutbox moves up to limit dead rows back to pending.
	RequeueDeadOutbox(ctx context.Context, limit int, now time.Time) (int, error)
	OutboxSummary(ctx context.Context) (OutboxSummary, error)
}

const (
	// OutboxDeadLetterThreshold is the attempt count at which a row is dead.
	OutboxDeadLetterThreshold = 8
	// OutboxLease is how long a claimed row stays processing before another
	// relay may reclaim it.
	OutboxLease = 2 * time.Minute
)

// OutboxBackoff returns the delay before the given retry attempt: one second
// doubling per attempt, capped at five minutes.
func OutboxBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > 10 {
		return 5 * time.Minute
	}
	backoff := time.Second << (attempt - 1)
	if backoff > 5*time.Minute {
		return 5 * time.Minute
	}
	return backoff
}
