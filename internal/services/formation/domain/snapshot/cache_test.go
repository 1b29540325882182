package snapshot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"github.com/louisbranch/formation/internal/services/formation/domain/journey"
	"github.com/louisbranch/formation/internal/services/formation/storage"
	"github.com/louisbranch/formation/internal/services/formation/storage/memory"
)

type recordingObserver struct {
	mu       sync.Mutex
	hits     int
	extended []int
	rebuilds []string
	flagged  int
}

func (o *recordingObserver) CacheHit() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits++
}

func (o *recordingObserver) CacheExtended(events int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.extended = append(o.extended, events)
}

func (o *recordingObserver) CacheRebuilt(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rebuilds = append(o.rebuilds, reason)
}

func (o *recordingObserver) SubjectFlagged() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flagged++
}

type recordedFlag struct {
	subjectID string
	seq       uint64
}

type recordingFlagger struct {
	mu    sync.Mutex
	flags []recordedFlag
}

func (f *recordingFlagger) FlagSubject(_ context.Context, subjectID string, seq uint64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = append(f.flags, recordedFlag{subjectID: subjectID, seq: seq})
	return nil
}

func quietLogf(string, ...any) {}

func appendEvents(t *testing.T, store *memory.Store, subjectID string, build func(prev uint64) []storage.AppendRequest) {
	t.Helper()
	ctx := context.Background()
	latest, err := store.LatestSeq(ctx, subjectID)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	for _, req := range build(latest) {
		req.SubjectID = subjectID
		req.ExpectedSeq = latest
		req.IdempotencyKey = fmt.Sprintf("%s-%d", subjectID, latest+1)
		if _, err := store.Append(ctx, req); err != nil {
			t.Fatalf("append seq %d: %v", latest+1, err)
		}
		latest++
	}
}

func req(kind event.Kind, payload any) storage.AppendRequest {
	data, err := event.Encode(payload)
	if err != nil {
		panic(err)
	}
	return storage.AppendRequest{Kind: kind, PayloadJSON: data}
}

func seedJourney(t *testing.T, store *memory.Store, subjectID string) {
	t.Helper()
	appendEvents(t, store, subjectID, func(uint64) []storage.AppendRequest {
		return []storage.AppendRequest{
			req(event.KindPhaseEntered, event.PhaseEnteredPayload{Phase: "foundations"}),
			req(event.KindCheckpointReached, event.CheckpointReachedPayload{Phase: "foundations", Checkpoint: "baptism"}),
			req(event.KindBehaviorObserved, event.BehaviorObservedPayload{Signal: "service"}),
		}
	})
}

func observeMore(t *testing.T, store *memory.Store, subjectID string, n int) {
	t.Helper()
	appendEvents(t, store, subjectID, func(uint64) []storage.AppendRequest {
		out := make([]storage.AppendRequest, n)
		for i := range out {
			out[i] = req(event.KindBehaviorObserved, event.BehaviorObservedPayload{Signal: "prayer"})
		}
		return out
	})
}

func projected(t *testing.T, store *memory.Store, subjectID string) journey.Journey {
	t.Helper()
	events, err := store.ReadAll(context.Background(), subjectID)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	j, err := journey.Project(events)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	return j
}

func TestCacheMatchesFullProjection(t *testing.T) {
	ctx := context.Background()
	events := memory.New()
	cached := New(events, WithStore(NewMemory()), WithLogf(quietLogf))
	plain := New(events, WithLogf(quietLogf))

	seedJourney(t, events, "s1")
	for round := 0; round < 4; round++ {
		fromCache, seq, err := cached.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("round %d cached get: %v", round, err)
		}
		fromPlain, plainSeq, err := plain.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("round %d plain get: %v", round, err)
		}
		want := projected(t, events, "s1")
		if diff := cmp.Diff(want, fromCache); diff != "" {
			t.Fatalf("round %d cached journey mismatch (-want +got):\n%s", round, diff)
		}
		if diff := cmp.Diff(want, fromPlain); diff != "" {
			t.Fatalf("round %d plain journey mismatch (-want +got):\n%s", round, diff)
		}
		if seq != want.AppliedSeq || plainSeq != want.AppliedSeq {
			t.Fatalf("round %d seq = %d/%d, want %d", round, seq, plainSeq, want.AppliedSeq)
		}
		observeMore(t, events, "s1", round+1)
	}
}

func TestCacheMissHitAndExtend(t *testing.T) {
	ctx := context.Background()
	events := memory.New()
	snapshots := NewMemory()
	observer := &recordingObserver{}
	cache := New(events, WithStore(snapshots), WithObserver(observer), WithLogf(quietLogf))
	seedJourney(t, events, "s1")

	if _, _, err := cache.Get(ctx, "s1"); err != nil {
		t.Fatalf("first get: %v", err)
	}
	if _, _, err := cache.Get(ctx, "s1"); err != nil {
		t.Fatalf("second get: %v", err)
	}
	observeMore(t, events, "s1", 2)
	j, seq, err := cache.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("third get: %v", err)
	}

	if seq != 5 || j.AppliedSeq != 5 {
		t.Fatalf("seq = %d applied = %d, want 5", seq, j.AppliedSeq)
	}
	if diff := cmp.Diff([]string{ReasonMiss}, observer.rebuilds); diff != "" {
		t.Fatalf("rebuilds mismatch (-want +got):\n%s", diff)
	}
	if observer.hits != 1 {
		t.Fatalf("hits = %d, want 1", observer.hits)
	}
	if diff := cmp.Diff([]int{2}, observer.extended); diff != "" {
		t.Fatalf("extended mismatch (-want +got):\n%s", diff)
	}

	snap, err := snapshots.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if snap.AppliedSeq != 5 {
		t.Fatalf("snapshot seq = %d, want 5", snap.AppliedSeq)
	}
}

func TestCacheDiscardsInvalidSnapshots(t *testing.T) {
	tests := []struct {
		name   string
		seed   func(j journey.Journey) Snapshot
		reason string
	}{
		{
			name: "ahead of store",
			seed: func(j journey.Journey) Snapshot {
				j.AppliedSeq = 10
				return Snapshot{SubjectID: "s1", AppliedSeq: 10, Journey: j}
			},
			reason: ReasonAhead,
		},
		{
			name: "watermark mismatch",
			seed: func(j journey.Journey) Snapshot {
				return Snapshot{SubjectID: "s1", AppliedSeq: 2, Journey: j}
			},
			reason: ReasonCorrupt,
		},
		{
			name: "foreign subject",
			seed: func(j journey.Journey) Snapshot {
				j.SubjectID = "s2"
				return Snapshot{SubjectID: "s1", AppliedSeq: j.AppliedSeq, Journey: j}
			},
			reason: ReasonCorrupt,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			events := memory.New()
			seedJourney(t, events, "s1")
			want := projected(t, events, "s1")

			snapshots := NewMemory()
			snapshots.entries["s1"] = tt.seed(want.Clone())
			observer := &recordingObserver{}
			cache := New(events, WithStore(snapshots), WithObserver(observer), WithLogf(quietLogf))

			got, seq, err := cache.Get(ctx, "s1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if seq != 3 {
				t.Fatalf("seq = %d, want 3", seq)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("journey mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]string{tt.reason}, observer.rebuilds); diff != "" {
				t.Fatalf("rebuilds mismatch (-want +got):\n%s", diff)
			}
			snap, err := snapshots.Load(ctx, "s1")
			if err != nil {
				t.Fatalf("load snapshot: %v", err)
			}
			if snap.AppliedSeq != 3 {
				t.Fatalf("snapshot seq = %d, want 3", snap.AppliedSeq)
			}
		})
	}
}

// gappyReader hides one sequence from every read.
type gappyReader struct {
	*memory.Store
	hide uint64
}

func (r gappyReader) filter(events []event.Event) []event.Event {
	return slices.DeleteFunc(events, func(evt event.Event) bool { return evt.Seq == r.hide })
}

func (r gappyReader) ReadSince(ctx context.Context, subjectID string, seq uint64) ([]event.Event, error) {
	events, err := r.Store.ReadSince(ctx, subjectID, seq)
	return r.filter(events), err
}

func (r gappyReader) ListEvents(ctx context.Context, subjectID string, afterSeq uint64, limit int) ([]event.Event, error) {
	events, err := r.Store.ListEvents(ctx, subjectID, afterSeq, limit)
	return r.filter(events), err
}

func TestCacheFlagsUnrebuildableSubject(t *testing.T) {
	ctx := context.Background()
	events := memory.New()
	seedJourney(t, events, "s1")
	observeMore(t, events, "s1", 2)

	observer := &recordingObserver{}
	flagger := &recordingFlagger{}
	var logged atomic.Int32
	cache := New(gappyReader{Store: events, hide: 3},
		WithStore(NewMemory()),
		WithObserver(observer),
		WithFlagger(flagger),
		WithLogf(func(string, ...any) { logged.Add(1) }),
	)

	_, _, err := cache.Get(ctx, "s1")
	if !errors.Is(err, journey.ErrCorruptProjection) {
		t.Fatalf("err = %v, want %v", err, journey.ErrCorruptProjection)
	}
	if diff := cmp.Diff([]recordedFlag{{subjectID: "s1", seq: 2}}, flagger.flags, cmp.AllowUnexported(recordedFlag{})); diff != "" {
		t.Fatalf("flags mismatch (-want +got):\n%s", diff)
	}
	if observer.flagged != 1 {
		t.Fatalf("flagged = %d, want 1", observer.flagged)
	}
	if logged.Load() == 0 {
		t.Fatal("expected the failed rebuild to be logged")
	}
}

func TestCacheRebuildsWhenDeltaHasGap(t *testing.T) {
	ctx := context.Background()
	events := memory.New()
	seedJourney(t, events, "s1")
	want := projected(t, events, "s1")

	// A snapshot at seq 1 whose delta read skips seq 2 must not be extended.
	first, err := journey.Project(mustReadAll(t, events, "s1")[:1])
	if err != nil {
		t.Fatalf("project first: %v", err)
	}
	snapshots := NewMemory()
	snapshots.entries["s1"] = Snapshot{SubjectID: "s1", AppliedSeq: 1, Journey: first}

	observer := &recordingObserver{}
	reader := &flakyDeltaReader{Store: events, hide: 2}
	cache := New(reader, WithStore(snapshots), WithObserver(observer), WithLogf(quietLogf))

	got, _, err := cache.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("journey mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{ReasonGap}, observer.rebuilds); diff != "" {
		t.Fatalf("rebuilds mismatch (-want +got):\n%s", diff)
	}
}

// flakyDeltaReader hides one sequence from ReadSince only, so the full
// rebuild through ListEvents succeeds.
type flakyDeltaReader struct {
	*memory.Store
	hide uint64
}

func (r *flakyDeltaReader) ReadSince(ctx context.Context, subjectID string, seq uint64) ([]event.Event, error) {
	events, err := r.Store.ReadSince(ctx, subjectID, seq)
	return slices.DeleteFunc(events, func(evt event.Event) bool { return evt.Seq == r.hide }), err
}

func mustReadAll(t *testing.T, store *memory.Store, subjectID string) []event.Event {
	t.Helper()
	events, err := store.ReadAll(context.Background(), subjectID)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	return events
}

func TestCacheDisabledRebuildsEveryRead(t *testing.T) {
	ctx := context.Background()
	events := memory.New()
	seedJourney(t, events, "s1")
	observer := &recordingObserver{}
	cache := New(events, WithObserver(observer), WithLogf(quietLogf))

	for i := 0; i < 3; i++ {
		if _, _, err := cache.Get(ctx, "s1"); err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
	}
	if diff := cmp.Diff([]string{ReasonDisabled, ReasonDisabled, ReasonDisabled}, observer.rebuilds); diff != "" {
		t.Fatalf("rebuilds mismatch (-want +got):\n%s", diff)
	}
	if err := cache.Invalidate(ctx, "s1"); err != nil {
		t.Fatalf("invalidate without store: %v", err)
	}
}

func TestCacheUnknownSubjectIsEmpty(t *testing.T) {
	want, err := journey.Project(nil)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	for name, cache := range map[string]*Cache{
		"cached":   New(memory.New(), WithStore(NewMemory()), WithLogf(quietLogf)),
		"disabled": New(memory.New(), WithLogf(quietLogf)),
	} {
		j, seq, err := cache.Get(context.Background(), "nobody")
		if err != nil {
			t.Fatalf("%s get: %v", name, err)
		}
		if seq != 0 {
			t.Fatalf("%s seq = %d, want 0", name, seq)
		}
		if diff := cmp.Diff(want, j); diff != "" {
			t.Fatalf("%s journey != Project(nil) (-want +got):\n%s", name, diff)
		}
	}

	cache := New(memory.New(), WithStore(NewMemory()), WithLogf(quietLogf))
	if _, _, err := cache.Get(context.Background(), " "); !errors.Is(err, ErrSubjectIDRequired) {
		t.Fatalf("err = %v, want %v", err, ErrSubjectIDRequired)
	}
}

func TestCacheReturnsIndependentCopies(t *testing.T) {
	ctx := context.Background()
	events := memory.New()
	seedJourney(t, events, "s1")
	cache := New(events, WithStore(NewMemory()), WithLogf(quietLogf))

	first, _, err := cache.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.Checkpoints["foundations"]["forged"] = journey.CheckpointMark{Seq: 99}
	first.Signals[0].Name = "forged"

	second, _, err := cache.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.HasCheckpoint("foundations", "forged") {
		t.Fatal("caller mutation leaked into the cache")
	}
	if second.Signals[0].Name == "forged" {
		t.Fatal("caller mutation leaked into cached signals")
	}
}

// countingReader counts full rebuild reads.
type countingReader struct {
	*memory.Store
	lists atomic.Int32
}

func (r *countingReader) ListEvents(ctx context.Context, subjectID string, afterSeq uint64, limit int) ([]event.Event, error) {
	r.lists.Add(1)
	return r.Store.ListEvents(ctx, subjectID, afterSeq, limit)
}

func TestCacheConcurrentReadersAgree(t *testing.T) {
	ctx := context.Background()
	events := memory.New()
	seedJourney(t, events, "s1")
	observeMore(t, events, "s1", 20)
	want := projected(t, events, "s1")

	reader := &countingReader{Store: events}
	cache := New(reader, WithStore(NewMemory()), WithLogf(quietLogf))

	const readers = 16
	results := make([]journey.Journey, readers)
	errs := make([]error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = cache.Get(ctx, "s1")
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("reader %d: %v", i, errs[i])
		}
		if diff := cmp.Diff(want, results[i]); diff != "" {
			t.Fatalf("reader %d journey mismatch (-want +got):\n%s", i, diff)
		}
	}
	if got := reader.lists.Load(); got > readers {
		t.Fatalf("full reads = %d, want at most %d", got, readers)
	}
}
