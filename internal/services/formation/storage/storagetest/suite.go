// Package storagetest runs the event store contract against any
// storage.Store implementation.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"github.com/louisbranch/formation/internal/services/formation/storage"
	"github.com/louisbranch/formation/internal/services/formation/storage/integrity"
)

// Factory opens an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) storage.Store

// Run executes every contract test against stores from newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AppendAssignsGaplessSequence", func(t *testing.T) { testAppendAssignsGaplessSequence(t, newStore(t)) })
	t.Run("AppendIsIdempotent", func(t *testing.T) { testAppendIsIdempotent(t, newStore(t)) })
	t.Run("AppendReportsConflict", func(t *testing.T) { testAppendReportsConflict(t, newStore(t)) })
	t.Run("ConcurrentAppendsHaveOneWinner", func(t *testing.T) { testConcurrentAppendsHaveOneWinner(t, newStore(t)) })
	t.Run("AppendValidatesRequest", func(t *testing.T) { testAppendValidatesRequest(t, newStore(t)) })
	t.Run("ReadsAndPaging", func(t *testing.T) { testReadsAndPaging(t, newStore(t)) })
	t.Run("SubjectsAreIsolated", func(t *testing.T) { testSubjectsAreIsolated(t, newStore(t)) })
	t.Run("IntegrityChainVerifies", func(t *testing.T) { testIntegrityChainVerifies(t, newStore(t)) })
	t.Run("InspectionFlags", func(t *testing.T) { testInspectionFlags(t, newStore(t)) })
}

// Request builds an append request for tests.
func Request(subjectID string, expectedSeq uint64, key string) storage.AppendRequest {
	payload, _ := event.Encode(event.BehaviorObservedPayload{Signal: "service", Note: key})
	return storage.AppendRequest{
		SubjectID:      subjectID,
		ExpectedSeq:    expectedSeq,
		Kind:           event.KindBehaviorObserved,
		PayloadJSON:    payload,
		IdempotencyKey: key,
		ActorID:        "mentor-1",
		Timestamp:      time.Date(2026, 2, 1, 10, 0, 0, 123456789, time.UTC).Add(time.Duration(expectedSeq) * time.Minute),
	}
}

// MustAppend appends n events to subject starting at its current latest seq.
func MustAppend(t *testing.T, store storage.EventStore, subjectID string, n int) []event.Event {
	t.Helper()
	ctx := context.Background()
	latest, err := store.LatestSeq(ctx, subjectID)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	out := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		seq := latest + uint64(i)
		evt, err := store.Append(ctx, Request(subjectID, seq, fmt.Sprintf("%s-key-%d", subjectID, seq+1)))
		if err != nil {
			t.Fatalf("append seq %d: %v", seq+1, err)
		}
		out = append(out, evt)
	}
	return out
}

func testAppendAssignsGaplessSequence(t *testing.T, store storage.Store) {
	ctx := context.Background()
	events := MustAppend(t, store, "s1", 3)
	for i, evt := range events {
		if evt.Seq != uint64(i+1) {
			t.Fatalf("event[%d].Seq = %d, want %d", i, evt.Seq, i+1)
		}
		if evt.ID == "" {
			t.Fatalf("event[%d] has no id", i)
		}
		if evt.Hash == "" || evt.ChainHash == "" {
			t.Fatalf("event[%d] has no integrity envelope", i)
		}
		if evt.Timestamp.Nanosecond()%int(time.Millisecond) != 0 {
			t.Fatalf("event[%d] timestamp %v is not truncated to milliseconds", i, evt.Timestamp)
		}
		if evt.Timestamp.Location() != time.UTC {
			t.Fatalf("event[%d] timestamp is not UTC", i)
		}
	}
	latest, err := store.LatestSeq(ctx, "s1")
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if latest != 3 {
		t.Fatalf("latest = %d, want 3", latest)
	}
	stored, err := store.ReadAll(ctx, "s1")
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	for i := range stored {
		if stored[i].ID != events[i].ID || !stored[i].Timestamp.Equal(events[i].Timestamp) || string(stored[i].PayloadJSON) != string(events[i].PayloadJSON) {
			t.Fatalf("stored[%d] = %+v, want %+v", i, stored[i], events[i])
		}
	}
}

func testAppendIsIdempotent(t *testing.T, store storage.Store) {
	ctx := context.Background()
	first, err := store.Append(ctx, Request("s1", 0, "k1"))
	if err != nil {
		t.Fatalf("first append: %v", err)
	}

	// The retry carries a stale expected seq; idempotency wins over the conflict.
	again, err := store.Append(ctx, Request("s1", 0, "k1"))
	if !errors.Is(err, storage.ErrDuplicateEvent) {
		t.Fatalf("err = %v, want %v", err, storage.ErrDuplicateEvent)
	}
	if again.ID != first.ID || again.Seq != first.Seq {
		t.Fatalf("duplicate returned %s/%d, want %s/%d", again.ID, again.Seq, first.ID, first.Seq)
	}
	latest, err := store.LatestSeq(ctx, "s1")
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if latest != 1 {
		t.Fatalf("latest = %d, want 1", latest)
	}

	found, err := store.EventByIdempotencyKey(ctx, "s1", "k1")
	if err != nil {
		t.Fatalf("lookup by key: %v", err)
	}
	if found.ID != first.ID {
		t.Fatalf("lookup returned %s, want %s", found.ID, first.ID)
	}
	if _, err := store.EventByIdempotencyKey(ctx, "s1", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing key err = %v, want %v", err, storage.ErrNotFound)
	}
	if _, err := store.EventByIdempotencyKey(ctx, "s2", "k1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("other subject err = %v, want %v", err, storage.ErrNotFound)
	}
}

func testAppendReportsConflict(t *testing.T, store storage.Store) {
	ctx := context.Background()
	MustAppend(t, store, "s1", 5)

	_, err := store.Append(ctx, Request("s1", 3, "late"))
	if !errors.Is(err, storage.ErrSequenceConflict) {
		t.Fatalf("err = %v, want %v", err, storage.ErrSequenceConflict)
	}
	var conflict *storage.SequenceConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *SequenceConflictError, got %T", err)
	}
	if conflict.Expected != 3 || conflict.Actual != 5 {
		t.Fatalf("conflict = expected %d actual %d, want expected 3 actual 5", conflict.Expected, conflict.Actual)
	}
	latest, err := store.LatestSeq(ctx, "s1")
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if latest != 5 {
		t.Fatalf("latest = %d, want 5", latest)
	}
}

func testConcurrentAppendsHaveOneWinner(t *testing.T, store storage.Store) {
	ctx := context.Background()
	MustAppend(t, store, "s1", 2)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
		others    []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Append(ctx, Request("s1", 2, fmt.Sprintf("race-%d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, storage.ErrSequenceConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("wins = %d conflicts = %d, want 1 and %d", wins, conflicts, writers-1)
	}
	latest, err := store.LatestSeq(ctx, "s1")
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if latest != 3 {
		t.Fatalf("latest = %d, want 3", latest)
	}
}

func testAppendValidatesRequest(t *testing.T, store storage.Store) {
	ctx := context.Background()
	tests := []struct {
		name   string
		mutate func(*storage.AppendRequest)
	}{
		{name: "missing subject", mutate: func(r *storage.AppendRequest) { r.SubjectID = "  " }},
		{name: "missing kind", mutate: func(r *storage.AppendRequest) { r.Kind = "" }},
		{name: "missing idempotency key", mutate: func(r *storage.AppendRequest) { r.IdempotencyKey = "" }},
	}
	for _, tt := range tests {
		req := Request("s1", 0, "k1")
		tt.mutate(&req)
		if _, err := store.Append(ctx, req); !errors.Is(err, storage.ErrInvalidAppend) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, storage.ErrInvalidAppend)
		}
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := store.Append(canceled, Request("s1", 0, "k1")); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled append err = %v, want %v", err, context.Canceled)
	}
}

func testReadsAndPaging(t *testing.T, store storage.Store) {
	ctx := context.Background()
	MustAppend(t, store, "s1", 5)

	since, err := store.ReadSince(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	if len(since) != 2 || since[0].Seq != 4 || since[1].Seq != 5 {
		t.Fatalf("read since 3 = %v, want seqs 4,5", seqs(since))
	}

	page, err := store.ListEvents(ctx, "s1", 1, 2)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 2 || page[1].Seq != 3 {
		t.Fatalf("page = %v, want seqs 2,3", seqs(page))
	}

	empty, err := store.ReadSince(ctx, "s1", 5)
	if err != nil {
		t.Fatalf("read since latest: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("read since latest = %v, want none", seqs(empty))
	}

	missing, err := store.ReadAll(ctx, "nobody")
	if err != nil {
		t.Fatalf("read all missing: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("read all missing = %v, want none", seqs(missing))
	}
	latest, err := store.LatestSeq(ctx, "nobody")
	if err != nil {
		t.Fatalf("latest missing: %v", err)
	}
	if latest != 0 {
		t.Fatalf("latest missing = %d, want 0", latest)
	}
}

func testSubjectsAreIsolated(t *testing.T, store storage.Store) {
	ctx := context.Background()
	MustAppend(t, store, "s2", 2)
	MustAppend(t, store, "s1", 1)

	// The same idempotency key is independent per subject.
	if _, err := store.Append(ctx, Request("s1", 1, "shared")); err != nil {
		t.Fatalf("append s1: %v", err)
	}
	if _, err := store.Append(ctx, Request("s2", 2, "shared")); err != nil {
		t.Fatalf("append s2: %v", err)
	}

	subjects, err := store.ListSubjects(ctx)
	if err != nil {
		t.Fatalf("list subjects: %v", err)
	}
	if len(subjects) != 2 || subjects[0] != "s1" || subjects[1] != "s2" {
		t.Fatalf("subjects = %v, want [s1 s2]", subjects)
	}
}

func testIntegrityChainVerifies(t *testing.T, store storage.Store) {
	ctx := context.Background()
	events := MustAppend(t, store, "s1", 3)
	if events[1].PrevHash != events[0].ChainHash {
		t.Fatalf("prev hash = %q, want %q", events[1].PrevHash, events[0].ChainHash)
	}
	if err := store.VerifySubject(ctx, "s1"); err != nil {
		t.Fatalf("verify subject: %v", err)
	}
	if err := integrity.VerifyChain("s1", events, nil); err != nil {
		t.Fatalf("verify returned events: %v", err)
	}
}

func testInspectionFlags(t *testing.T, store storage.Store) {
	ctx := context.Background()
	if err := store.FlagSubject(ctx, "s2", 4, "corrupt projection"); err != nil {
		t.Fatalf("flag s2: %v", err)
	}
	if err := store.FlagSubject(ctx, "s1", 1, "first"); err != nil {
		t.Fatalf("flag s1: %v", err)
	}
	if err := store.FlagSubject(ctx, "s1", 2, "second"); err != nil {
		t.Fatalf("reflag s1: %v", err)
	}

	flags, err := store.ListFlagged(ctx)
	if err != nil {
		t.Fatalf("list flagged: %v", err)
	}
	if len(flags) != 2 {
		t.Fatalf("flags = %d, want 2", len(flags))
	}
	if flags[0].SubjectID != "s1" || flags[0].Seq != 2 || flags[0].Reason != "second" {
		t.Fatalf("flags[0] = %+v, want s1 seq 2 reason second", flags[0])
	}

	if err := store.ClearFlag(ctx, "s1"); err != nil {
		t.Fatalf("clear flag: %v", err)
	}
	if err := store.ClearFlag(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second clear err = %v, want %v", err, storage.ErrNotFound)
	}
	flags, err = store.ListFlagged(ctx)
	if err != nil {
		t.Fatalf("list flagged: %v", err)
	}
	if len(flags) != 1 || flags[0].SubjectID != "s2" {
		t.Fatalf("flags = %+v, want only s2", flags)
	}
}

func seqs(events []event.Event) []uint64 {
	out := make([]uint64, len(events))
	for i, evt := range events {
		out[i] = evt.Seq
	}
	return out
}
