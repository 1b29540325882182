// Package snapshottest runs the snapshot.Store contract against any backend.
package snapshottest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/louisbranch/formation/internal/services/formation/domain/journey"
	"github.com/louisbranch/formation/internal/services/formation/domain/snapshot"
)

// Factory returns an empty store.
type Factory func(t *testing.T) snapshot.Store

// Run executes the contract tests.
func Run(t *testing.T, newStore Factory) {
	t.Run("LoadMissing", func(t *testing.T) { testLoadMissing(t, newStore(t)) })
	t.Run("CompareAndSwapRoundTrip", func(t *testing.T) { testCompareAndSwapRoundTrip(t, newStore(t)) })
	t.Run("CompareAndSwapRejectsStaleWatermark", func(t *testing.T) { testCompareAndSwapRejectsStale(t, newStore(t)) })
	t.Run("ConcurrentSwapsHaveOneWinner", func(t *testing.T) { testConcurrentSwaps(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
}

// Sample builds a snapshot with enough state to catch lossy encodings.
func Sample(subjectID string, seq uint64) snapshot.Snapshot {
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	return snapshot.Snapshot{
		SubjectID:  subjectID,
		AppliedSeq: seq,
		Journey: journey.Journey{
			SubjectID:  subjectID,
			AppliedSeq: seq,
			Started:    true,
			Phase:      "foundations",
			PhaseHistory: []journey.PhaseVisit{
				{Phase: "foundations", Seq: 1, EnteredAt: at},
			},
			Checkpoints: map[string]map[string]journey.CheckpointMark{
				"foundations": {"baptism": {Seq: 2, ReachedAt: at.Add(time.Hour), ActorID: "mentor-1"}},
			},
			Signals: []journey.Signal{
				{Seq: 2, Name: journey.SignalCheckpointReached, Source: journey.SourceCheckpoint, At: at.Add(time.Hour)},
			},
			LastEventAt: at.Add(time.Hour),
		},
	}
}

func testLoadMissing(t *testing.T, store snapshot.Store) {
	_, err := store.Load(context.Background(), "nobody")
	if !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("load missing error = %v, want %v", err, snapshot.ErrNotFound)
	}
	if _, err := store.Load(context.Background(), " "); !errors.Is(err, snapshot.ErrSubjectIDRequired) {
		t.Fatalf("load blank error = %v, want %v", err, snapshot.ErrSubjectIDRequired)
	}
}

func testCompareAndSwapRoundTrip(t *testing.T, store snapshot.Store) {
	ctx := context.Background()
	want := Sample("s1", 2)
	swapped, err := store.CompareAndSwap(ctx, 0, want)
	if err != nil {
		t.Fatalf("compare and swap: %v", err)
	}
	if !swapped {
		t.Fatal("expected first swap to succeed")
	}
	got, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}

	next := Sample("s1", 5)
	swapped, err = store.CompareAndSwap(ctx, 2, next)
	if err != nil {
		t.Fatalf("extend swap: %v", err)
	}
	if !swapped {
		t.Fatal("expected extend swap to succeed")
	}
}

func testCompareAndSwapRejectsStale(t *testing.T, store snapshot.Store) {
	ctx := context.Background()
	if _, err := store.CompareAndSwap(ctx, 0, Sample("s1", 4)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	tests := []struct {
		name     string
		expected uint64
		next     uint64
	}{
		{name: "stale expectation", expected: 2, next: 6},
		{name: "absent expectation", expected: 0, next: 6},
		{name: "not advancing", expected: 4, next: 4},
		{name: "regressing", expected: 4, next: 3},
	}
	for _, tt := range tests {
		swapped, err := store.CompareAndSwap(ctx, tt.expected, Sample("s1", tt.next))
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if swapped {
			t.Fatalf("%s: swap succeeded, want rejected", tt.name)
		}
	}
	got, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.AppliedSeq != 4 {
		t.Fatalf("applied seq = %d, want 4", got.AppliedSeq)
	}
}

func testConcurrentSwaps(t *testing.T, store snapshot.Store) {
	ctx := context.Background()
	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range writers {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			swapped, err := store.CompareAndSwap(ctx, 0, Sample("s1", seq))
			if err != nil {
				t.Errorf("swap: %v", err)
				return
			}
			if swapped {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(uint64(i + 1))
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
}

func testDelete(t *testing.T, store snapshot.Store) {
	ctx := context.Background()
	if _, err := store.CompareAndSwap(ctx, 0, Sample("s1", 3)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, "s1"); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("load after delete error = %v, want %v", err, snapshot.ErrNotFound)
	}
	swapped, err := store.CompareAndSwap(ctx, 0, Sample("s1", 1))
	if err != nil {
		t.Fatalf("swap after delete: %v", err)
	}
	if !swapped {
		t.Fatal("expected swap from empty after delete")
	}
}
