package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	apperrors "github.com/louisbranch/formation/internal/platform/errors"
	"github.com/louisbranch/formation/internal/services/formation/domain/command"
	"github.com/louisbranch/formation/internal/services/formation/domain/readiness"
	"github.com/louisbranch/formation/internal/services/formation/domain/snapshot"
	"github.com/louisbranch/formation/internal/services/formation/observability"
	"github.com/louisbranch/formation/internal/services/formation/rules"
	"github.com/louisbranch/formation/internal/services/formation/storage/memory"
)

var serviceNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *observability.Metrics) {
	t.Helper()
	formationRules, err := rules.Default()
	if err != nil {
		t.Fatalf("default rules: %v", err)
	}
	metrics := observability.New(prometheus.NewRegistry())
	svc, err := NewService(Deps{
		Store:     memory.New(),
		Rules:     formationRules,
		Snapshots: snapshot.NewMemory(),
		Metrics:   metrics,
		Now:       func() time.Time { return serviceNow },
		Logf:      t.Logf,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, metrics
}

func mustSubmit(t *testing.T, svc *Service, typ command.Type, key, payload string) SubmitResult {
	t.Helper()
	res, err := svc.Submit(context.Background(), command.Command{
		SubjectID:      "ana",
		Type:           typ,
		ActorID:        "mentor-1",
		IdempotencyKey: key,
		PayloadJSON:    []byte(payload),
	})
	if err != nil {
		t.Fatalf("submit %s: %v", typ, err)
	}
	return res
}

func TestGetJourneyDerivesReadinessFromBehavior(t *testing.T) {
	svc, metrics := newTestService(t)

	mustSubmit(t, svc, command.TypeJourneyBegin, "begin", "")
	mustSubmit(t, svc, command.TypeReflectionRecord, "r1", `{"text":"I am ready to lead","declares_ready":true}`)

	view, err := svc.GetJourney(context.Background(), "ana")
	if err != nil {
		t.Fatalf("get journey: %v", err)
	}
	if view.Readiness.Classification != readiness.NotReady {
		t.Fatalf("classification = %s, want %s", view.Readiness.Classification, readiness.NotReady)
	}

	for _, cp := range []string{"gospel_clarity", "baptism", "scripture_habit"} {
		mustSubmit(t, svc, command.TypeCheckpointReach, "reach-"+cp, fmt.Sprintf(`{"checkpoint":%q}`, cp))
	}
	mustSubmit(t, svc, command.TypeBehaviorObserve, "serve-1", `{"signal":"serve"}`)

	view, err = svc.GetJourney(context.Background(), "ana")
	if err != nil {
		t.Fatalf("get journey: %v", err)
	}
	if view.Readiness.Classification != readiness.Ready {
		t.Fatalf("classification = %s (score %.2f), want %s", view.Readiness.Classification, view.Readiness.Score, readiness.Ready)
	}
	if view.Seq != 6 || view.Journey.Phase != "foundations" {
		t.Fatalf("seq/phase = %d/%s, want 6/foundations", view.Seq, view.Journey.Phase)
	}
	if got := testutil.ToFloat64(metrics.Readiness.WithLabelValues(string(readiness.Ready))); got != 1 {
		t.Fatalf("ready evaluations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.Commands.WithLabelValues(string(command.TypeCheckpointReach), "accepted")); got != 3 {
		t.Fatalf("accepted reaches = %v, want 3", got)
	}
}

func TestSubmitRejectsUnknownSignal(t *testing.T) {
	svc, _ := newTestService(t)
	mustSubmit(t, svc, command.TypeJourneyBegin, "begin", "")

	_, err := svc.Submit(context.Background(), command.Command{
		SubjectID:   "ana",
		Type:        command.TypeBehaviorObserve,
		PayloadJSON: []byte(`{"signal":"gossip"}`),
	})
	if err == nil {
		t.Fatal("expected rejection for unweighted signal")
	}
	if apperrors.IsRetryable(err) {
		t.Fatalf("rejection must not be retryable: %v", err)
	}
}

func TestSubmitDuplicateReturnsPriorEvent(t *testing.T) {
	svc, _ := newTestService(t)
	first := mustSubmit(t, svc, command.TypeJourneyBegin, "begin", "")
	again := mustSubmit(t, svc, command.TypeJourneyBegin, "begin", "")
	if !again.Duplicate {
		t.Fatal("expected duplicate result")
	}
	if len(again.Events) != 1 || again.Events[0].ID != first.Events[0].ID {
		t.Fatalf("duplicate events = %+v, want prior %s", again.Events, first.Events[0].ID)
	}
}

func TestGetJourneyUnknownSubject(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetJourney(context.Background(), "nobody")
	if !errors.Is(err, ErrJourneyNotFound) {
		t.Fatalf("err = %v, want %v", err, ErrJourneyNotFound)
	}
	if _, err := svc.GetJourney(context.Background(), "  "); apperrors.CodeOf(err) != apperrors.CodeSubjectIDRequired {
		t.Fatalf("blank subject code = %s", apperrors.CodeOf(err))
	}
}

func TestListEventsPages(t *testing.T) {
	svc, _ := newTestService(t)
	mustSubmit(t, svc, command.TypeJourneyBegin, "begin", "")
	mustSubmit(t, svc, command.TypeBehaviorObserve, "b1", `{"signal":"prayer"}`)
	mustSubmit(t, svc, command.TypeBehaviorObserve, "b2", `{"signal":"prayer"}`)

	page, err := svc.ListEvents(context.Background(), "ana", 0, 2)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(page) != 2 || page[1].Seq != 2 {
		t.Fatalf("first page = %d events", len(page))
	}
	rest, err := svc.ListEvents(context.Background(), "ana", page[len(page)-1].Seq, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(rest) != 1 || rest[0].Seq != 3 {
		t.Fatalf("rest = %+v, want seq 3", rest)
	}
	if err := svc.VerifySubject(context.Background(), "ana"); err != nil {
		t.Fatalf("verify subject: %v", err)
	}
}

func TestNewServiceRequiresDeps(t *testing.T) {
	if _, err := NewService(Deps{}); !errors.Is(err, ErrStoreRequired) {
		t.Fatalf("err = %v, want %v", err, ErrStoreRequired)
	}
	if _, err := NewService(Deps{Store: memory.New()}); !errors.Is(err, ErrRulesRequired) {
		t.Fatalf("err = %v, want %v", err, ErrRulesRequired)
	}
}
