package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	apperrors "github.com/louisbranch/formation/internal/platform/errors"
	"github.com/louisbranch/formation/internal/platform/id"
	"github.com/louisbranch/formation/internal/platform/timeouts"
	"github.com/louisbranch/formation/internal/services/formation/domain/command"
	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"github.com/louisbranch/formation/internal/services/formation/domain/journey"
	"github.com/louisbranch/formation/internal/services/formation/storage"
)

// DefaultMaxAttempts bounds conflict retries for unpinned commands.
const DefaultMaxAttempts = 3

var (
	// ErrCommandRegistryRequired indicates a missing command registry.
	ErrCommandRegistryRequired = errors.New("command registry is required")
	// ErrJournalRequired indicates a missing event journal.
	ErrJournalRequired = errors.New("event journal is required")
	// ErrJourneyLoaderRequired indicates a missing journey loader.
	ErrJourneyLoaderRequired = errors.New("journey loader is required")
)

// Command outcomes reported to the Observer.
const (
	OutcomeAccepted  = "accepted"
	OutcomeRejected  = "rejected"
	OutcomeDuplicate = "duplicate"
	OutcomeConflict  = "conflict"
	OutcomeError     = "error"
)

var tracer = otel.Tracer("github.com/louisbranch/formation/internal/services/formation/domain/engine")

// Journal appends events and answers idempotent retries.
type Journal interface {
	Append(ctx context.Context, req storage.AppendRequest) (event.Event, error)
	EventByIdempotencyKey(ctx context.Context, subjectID, key string) (event.Event, error)
}

// JourneyLoader returns the current projected journey and its sequence.
// Implemented by snapshot.Cache.
type JourneyLoader interface {
	Get(ctx context.Context, subjectID string) (journey.Journey, uint64, error)
}

// Observer receives command outcomes. Implemented by the metrics layer.
type Observer interface {
	CommandHandled(commandType string, outcome string, attempts int)
}

// Handler validates, decides and appends commands.
type Handler struct {
	Commands *command.Registry
	Decider  command.Decider
	Journal  Journal
	Journeys JourneyLoader
	// MaxAttempts defaults to DefaultMaxAttempts.
	MaxAttempts int
	// Timeout defaults to timeouts.Append.
	Timeout  time.Duration
	Now      func() time.Time
	Observer Observer
	Logf     func(format string, args ...any)
}

// Result captures execution outcomes.
type Result struct {
	Decision command.Decision
	// Journey is the projection after the stored events were folded in.
	Journey journey.Journey
	// Duplicate is set when the idempotency key was already committed;
	// Decision.Events then holds the prior events.
	Duplicate bool
	Attempts  int
}

// Handle runs cmd. A rejected decision is returned in Result together with
// the rejection as an *apperrors.Error.
func (h Handler) Handle(ctx context.Context, cmd command.Command) (Result, error) {
	if h.Commands == nil {
		return Result{}, ErrCommandRegistryRequired
	}
	if h.Journal == nil {
		return Result{}, ErrJournalRequired
	}
	if h.Journeys == nil {
		return Result{}, ErrJourneyLoaderRequired
	}
	validated, err := h.Commands.ValidateForDecision(cmd)
	if err != nil {
		return Result{}, err
	}
	cmd = validated
	if cmd.IdempotencyKey == "" {
		key, err := id.NewID()
		if err != nil {
			return Result{}, fmt.Errorf("generate idempotency key: %w", err)
		}
		cmd.IdempotencyKey = key
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = timeouts.Append
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "formation.command "+string(cmd.Type))
	defer span.End()
	span.SetAttributes(
		attribute.String("formation.subject_id", cmd.SubjectID),
		attribute.String("formation.command", string(cmd.Type)),
	)

	result, outcome, err := h.handle(ctx, cmd)
	span.SetAttributes(
		attribute.String("formation.outcome", outcome),
		attribute.Int("formation.attempts", result.Attempts),
	)
	if err != nil && outcome != OutcomeRejected {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if h.Observer != nil {
		h.Observer.CommandHandled(string(cmd.Type), outcome, result.Attempts)
	}
	return result, err
}

func (h Handler) handle(ctx context.Context, cmd command.Command) (Result, string, error) {
	if prior, err := h.Journal.EventByIdempotencyKey(ctx, cmd.SubjectID, cmd.IdempotencyKey); err == nil {
		res, err := h.duplicate(ctx, prior)
		return res, OutcomeDuplicate, err
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Result{}, OutcomeError, classify(err)
	}

	maxAttempts := h.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if cmd.ExpectedSeq != nil {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, outcome, err := h.attempt(ctx, cmd)
		res.Attempts = attempt
		if outcome != OutcomeConflict {
			return res, outcome, err
		}
		lastErr = err
		if attempt < maxAttempts {
			h.logf("command conflict: subject=%s type=%s attempt=%d err=%v", cmd.SubjectID, cmd.Type, attempt, err)
		}
	}
	return Result{Attempts: maxAttempts}, OutcomeConflict, lastErr
}

// attempt decides against the current journey and appends the decision.
func (h Handler) attempt(ctx context.Context, cmd command.Command) (Result, string, error) {
	current, seq, err := h.Journeys.Get(ctx, cmd.SubjectID)
	if err != nil {
		return Result{}, OutcomeError, classify(err)
	}
	if cmd.ExpectedSeq != nil && *cmd.ExpectedSeq != seq {
		return Result{}, OutcomeConflict, &storage.SequenceConflictError{SubjectID: cmd.SubjectID, Expected: *cmd.ExpectedSeq, Actual: seq}
	}

	decision := h.Decider.Decide(current, cmd, h.now())
	if decision.Rejected() {
		return Result{Decision: decision, Journey: current}, OutcomeRejected, decision.Err()
	}

	stored := make([]event.Event, 0, len(decision.Events))
	expected := seq
	for i, evt := range decision.Events {
		key := evt.IdempotencyKey
		if i > 0 {
			key += "#" + strconv.Itoa(i)
		}
		appended, err := h.Journal.Append(ctx, storage.AppendRequest{
			SubjectID:      cmd.SubjectID,
			ExpectedSeq:    expected,
			Kind:           evt.Kind,
			PayloadJSON:    evt.PayloadJSON,
			IdempotencyKey: key,
			ActorID:        evt.ActorID,
			Timestamp:      evt.Timestamp,
		})
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrDuplicateEvent):
			// A concurrent submission of the same key won the race.
			res, dupErr := h.duplicate(ctx, appended)
			return res, OutcomeDuplicate, dupErr
		case errors.Is(err, storage.ErrSequenceConflict):
			return Result{}, OutcomeConflict, err
		default:
			return Result{}, OutcomeError, classify(err)
		}
		stored = append(stored, appended)
		expected = appended.Seq
	}
	decision.Events = stored

	next, err := journey.ApplyAll(current, stored)
	if err != nil {
		h.logf("post-persist fold failed: subject=%s seq=%d err=%v", cmd.SubjectID, expected, err)
		// CORRUPT_PROJECTION is not retryable: the events are committed.
		return Result{Decision: decision, Journey: current}, OutcomeError,
			apperrors.Wrap(apperrors.CodeCorruptProjection, "events committed but could not be folded", err)
	}
	return Result{Decision: decision, Journey: next}, OutcomeAccepted, nil
}

// duplicate answers a retried command with the prior event and the current
// journey.
func (h Handler) duplicate(ctx context.Context, prior event.Event) (Result, error) {
	current, _, err := h.Journeys.Get(ctx, prior.SubjectID)
	if err != nil {
		return Result{}, classify(err)
	}
	return Result{
		Decision:  command.Accept(prior),
		Journey:   current,
		Duplicate: true,
	}, nil
}

func (h Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func (h Handler) logf(format string, args ...any) {
	if h.Logf != nil {
		h.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// classify maps infrastructure failures onto application codes. Errors that
// already carry a code pass through.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.CodeTimeout, "command deadline exceeded", err)
	case errors.Is(err, journey.ErrCorruptProjection):
		return apperrors.Wrap(apperrors.CodeCorruptProjection, "journey projection is corrupt", err)
	}
	return err
}
