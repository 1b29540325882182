package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/louisbranch/formation/internal/platform/errors"
	"github.com/louisbranch/formation/internal/platform/grpc/pagination"
	"github.com/louisbranch/formation/internal/platform/timeouts"
	"github.com/louisbranch/formation/internal/services/formation/domain/command"
	"github.com/louisbranch/formation/internal/services/formation/domain/engine"
	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"github.com/louisbranch/formation/internal/services/formation/domain/journey"
	"github.com/louisbranch/formation/internal/services/formation/domain/phase"
	"github.com/louisbranch/formation/internal/services/formation/domain/readiness"
	"github.com/louisbranch/formation/internal/services/formation/domain/snapshot"
	"github.com/louisbranch/formation/internal/services/formation/observability"
	"github.com/louisbranch/formation/internal/services/formation/rules"
	"github.com/louisbranch/formation/internal/services/formation/storage"
)

// Event page sizes for ListEvents.
const (
	DefaultEventPageSize = 100
	MaxEventPageSize     = 500
)

var tracer = otel.Tracer("github.com/louisbranch/formation/internal/services/formation/app")

var (
	// ErrStoreRequired indicates a missing event store.
	ErrStoreRequired = errors.New("event store is required")
	// ErrRulesRequired indicates a missing catalog or readiness engine.
	ErrRulesRequired = errors.New("formation rules are required")
	// ErrJourneyNotFound indicates a subject without events.
	ErrJourneyNotFound = apperrors.New(apperrors.CodeNotFound, "journey not found")
)

// Deps are the collaborators of a Service.
type Deps struct {
	Store storage.Store
	Rules rules.Rules
	// Grants verifies regression grants. Nil rejects every authorization.
	Grants command.GrantVerifier
	// Snapshots memoizes projections. Nil rebuilds on every read.
	Snapshots   snapshot.Store
	Metrics     *observability.Metrics
	MaxAttempts int
	Now         func() time.Time
	Logf        func(string, ...any)
}

// Service is the formation use-case boundary shared by every transport.
type Service struct {
	store    storage.Store
	rules    rules.Rules
	journeys *snapshot.Cache
	handler  engine.Handler
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewService wires the handler, cache and readiness engine over deps.
func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, ErrStoreRequired
	}
	if deps.Rules.Catalog == nil || deps.Rules.Readiness == nil {
		return nil, ErrRulesRequired
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logf := deps.Logf
	if logf == nil {
		logf = log.Printf
	}

	cacheOpts := []snapshot.Option{
		snapshot.WithFlagger(deps.Store),
		snapshot.WithLogf(logf),
	}
	if deps.Snapshots != nil {
		cacheOpts = append(cacheOpts, snapshot.WithStore(deps.Snapshots))
	}
	if deps.Metrics != nil {
		cacheOpts = append(cacheOpts, snapshot.WithObserver(deps.Metrics))
	}
	journeys := snapshot.New(deps.Store, cacheOpts...)

	handler := engine.Handler{
		Commands: command.DefaultRegistry(),
		Decider: command.Decider{
			Catalog:     deps.Rules.Catalog,
			Grants:      deps.Grants,
			KnownSignal: deps.Rules.KnownSignal,
		},
		Journal:     deps.Store,
		Journeys:    journeys,
		MaxAttempts: deps.MaxAttempts,
		Now:         now,
		Logf:        logf,
	}
	if deps.Metrics != nil {
		handler.Observer = deps.Metrics
	}

	return &Service{
		store:    deps.Store,
		rules:    deps.Rules,
		journeys: journeys,
		handler:  handler,
		metrics:  deps.Metrics,
		now:      now,
	}, nil
}

// JourneyView is the read model returned to callers: the projection and the
// readiness derived from it at read time.
type JourneyView struct {
	Journey   journey.Journey  `json:"journey"`
	Readiness readiness.Signal `json:"readiness"`
	Seq       uint64           `json:"seq"`
}

// SubmitResult reports a handled command.
type SubmitResult struct {
	Events    []event.Event
	Journey   journey.Journey
	Duplicate bool
	Attempts  int
}

// Submit validates, decides and appends cmd. Rejections return the
// *apperrors.Error describing them.
func (s *Service) Submit(ctx context.Context, cmd command.Command) (SubmitResult, error) {
	result, err := s.handler.Handle(ctx, cmd)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{
		Events:    result.Decision.Events,
		Journey:   result.Journey,
		Duplicate: result.Duplicate,
		Attempts:  result.Attempts,
	}, nil
}

// GetJourney returns the current journey of a subject with its readiness
// evaluated now.
func (s *Service) GetJourney(ctx context.Context, subjectID string) (JourneyView, error) {
	subjectID = event.NormalizeID(subjectID)
	if subjectID == "" {
		return JourneyView{}, command.ErrSubjectIDRequired
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.Read)
	defer cancel()

	j, seq, err := s.journeys.Get(ctx, subjectID)
	if err != nil {
		return JourneyView{}, classifyRead(err)
	}
	if seq == 0 {
		return JourneyView{}, ErrJourneyNotFound
	}
	return JourneyView{
		Journey:   j,
		Readiness: s.evaluate(ctx, j),
		Seq:       seq,
	}, nil
}

func (s *Service) evaluate(ctx context.Context, j journey.Journey) readiness.Signal {
	_, span := tracer.Start(ctx, "readiness.evaluate")
	defer span.End()
	signal := s.rules.Readiness.Evaluate(j.Signals, s.now())
	span.SetAttributes(
		attribute.String("formation.readiness", string(signal.Classification)),
		attribute.Int("formation.readiness.window_events", signal.Window.EventCount),
	)
	s.metrics.ReadinessEvaluated(string(signal.Classification))
	return signal
}

// ListEvents pages the raw journal of a subject for audit. limit is clamped
// to MaxEventPageSize.
func (s *Service) ListEvents(ctx context.Context, subjectID string, afterSeq uint64, limit int) ([]event.Event, error) {
	subjectID = event.NormalizeID(subjectID)
	if subjectID == "" {
		return nil, command.ErrSubjectIDRequired
	}
	pageSize := EventPageSize(limit)
	ctx, cancel := context.WithTimeout(ctx, timeouts.Read)
	defer cancel()

	events, err := s.store.ListEvents(ctx, subjectID, afterSeq, pageSize)
	if err != nil {
		return nil, classifyRead(err)
	}
	return events, nil
}

// EventPageSize returns the page size ListEvents uses for a requested limit.
func EventPageSize(limit int) int {
	return pagination.ClampPageSize(limit, pagination.PageSizeConfig{
		Default: DefaultEventPageSize,
		Max:     MaxEventPageSize,
	})
}

// VerifySubject recomputes the integrity chain of one subject.
func (s *Service) VerifySubject(ctx context.Context, subjectID string) error {
	subjectID = event.NormalizeID(subjectID)
	if subjectID == "" {
		return command.ErrSubjectIDRequired
	}
	return s.store.VerifySubject(ctx, subjectID)
}

// Flagged lists subjects awaiting manual inspection.
func (s *Service) Flagged(ctx context.Context) ([]storage.InspectionFlag, error) {
	return s.store.ListFlagged(ctx)
}

// Catalog returns the phase catalog in use.
func (s *Service) Catalog() *phase.Catalog {
	return s.rules.Catalog
}

// CommandTypes lists the accepted command types.
func (s *Service) CommandTypes() []command.Type {
	return s.handler.Commands.Types()
}

func classifyRead(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.CodeTimeout, "read timed out", err)
	case errors.Is(err, journey.ErrCorruptProjection):
		return apperrors.Wrap(apperrors.CodeCorruptProjection, "journey projection is corrupt", err)
	case errors.Is(err, snapshot.ErrSubjectIDRequired):
		return command.ErrSubjectIDRequired
	}
	var coded *apperrors.Error
	if errors.As(err, &coded) {
		return err
	}
	return fmt.Errorf("read journey: %w", err)
}

// Subjects lists every subject with at least one event.
func (s *Service) Subjects(ctx context.Context) ([]string, error) {
	return s.store.ListSubjects(ctx)
}
