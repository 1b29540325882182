package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/formation/internal/services/formation/storage"
	"github.com/louisbranch/formation/internal/services/formation/storage/integrity"
	"github.com/louisbranch/formation/internal/services/formation/storage/storagetest"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "events.db"), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openTestStore(t)
	})
}

func TestStoreContractWithKeyring(t *testing.T) {
	ring, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("secret")}, "v1")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openTestStore(t, WithKeyring(ring))
	})
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestReopenKeepsJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	appended := storagetest.MustAppend(t, store, "s1", 3)
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	events, err := reopened.ReadAll(ctx, "s1")
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[2].ChainHash != appended[2].ChainHash {
		t.Fatalf("chain hash = %q, want %q", events[2].ChainHash, appended[2].ChainHash)
	}
	if err := reopened.VerifySubject(ctx, "s1"); err != nil {
		t.Fatalf("verify after reopen: %v", err)
	}
}

func TestVerifySubjectDetectsRewrittenRow(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	storagetest.MustAppend(t, store, "s1", 3)

	if _, err := store.sqlDB.ExecContext(ctx,
		`UPDATE events SET payload_json = ? WHERE subject_id = ? AND seq = ?`,
		[]byte(`{"signal":"forged"}`), "s1", 2,
	); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	err := store.VerifySubject(ctx, "s1")
	var chainErr *integrity.ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("err = %v, want *integrity.ChainError", err)
	}
	if chainErr.Seq != 2 {
		t.Fatalf("broken seq = %d, want 2", chainErr.Seq)
	}
}

func TestGetEvent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	appended := storagetest.MustAppend(t, store, "s1", 2)

	evt, err := store.GetEvent(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if evt.ID != appended[1].ID {
		t.Fatalf("id = %s, want %s", evt.ID, appended[1].ID)
	}
	if _, err := store.GetEvent(ctx, "s1", 9); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestOutboxDisabledByDefault(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	storagetest.MustAppend(t, store, "s1", 2)

	summary, err := store.OutboxSummary(ctx)
	if err != nil {
		t.Fatalf("outbox summary: %v", err)
	}
	if summary.Pending != 0 {
		t.Fatalf("pending = %d, want 0", summary.Pending)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	store := openTestStore(t, WithOutboxEnabled(true), WithClock(func() time.Time { return now }))
	storagetest.MustAppend(t, store, "s1", 2)
	storagetest.MustAppend(t, store, "s2", 1)

	summary, err := store.OutboxSummary(ctx)
	if err != nil {
		t.Fatalf("outbox summary: %v", err)
	}
	if summary.Pending != 3 {
		t.Fatalf("pending = %d, want 3", summary.Pending)
	}

	claimed, err := store.ClaimOutbox(ctx, now, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed = %d, want 2", len(claimed))
	}
	if claimed[0].Event.Kind == "" || claimed[0].Event.ChainHash == "" {
		t.Fatalf("claimed entry missing event: %+v", claimed[0])
	}

	// Claimed rows are leased and not handed out again.
	again, err := store.ClaimOutbox(ctx, now, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("second claim = %d, want 1", len(again))
	}

	if err := store.CompleteOutbox(ctx, claimed[0].Event.SubjectID, claimed[0].Event.Seq); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.RetryOutbox(ctx, claimed[1].Event.SubjectID, claimed[1].Event.Seq, now, "broker down"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	summary, err = store.OutboxSummary(ctx)
	if err != nil {
		t.Fatalf("outbox summary: %v", err)
	}
	if summary.Failed != 1 || summary.Processing != 1 || summary.Pending != 0 {
		t.Fatalf("summary = %+v, want failed 1 processing 1", summary)
	}
	if want := now.Add(time.Second); !summary.OldestPendingAt.Equal(want) {
		t.Fatalf("oldest pending = %v, want %v", summary.OldestPendingAt, want)
	}

	// The failed row is not due before its backoff elapses.
	early, err := store.ClaimOutbox(ctx, now, 10)
	if err != nil {
		t.Fatalf("early claim: %v", err)
	}
	if len(early) != 0 {
		t.Fatalf("early claim = %d, want 0", len(early))
	}

	// An expired lease makes the processing row claimable again.
	later := now.Add(storage.OutboxLease + time.Second)
	reclaimed, err := store.ClaimOutbox(ctx, later, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 2 {
		t.Fatalf("reclaimed = %d, want 2", len(reclaimed))
	}
}

func TestOutboxDeadLettersAndRequeues(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	store := openTestStore(t, WithOutboxEnabled(true), WithClock(func() time.Time { return now }))
	storagetest.MustAppend(t, store, "s1", 1)

	at := now
	for attempt := 1; attempt <= storage.OutboxDeadLetterThreshold; attempt++ {
		claimed, err := store.ClaimOutbox(ctx, at, 1)
		if err != nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		if len(claimed) != 1 {
			t.Fatalf("attempt %d claimed = %d, want 1", attempt, len(claimed))
		}
		if claimed[0].AttemptCount != attempt-1 {
			t.Fatalf("attempt count = %d, want %d", claimed[0].AttemptCount, attempt-1)
		}
		if err := store.RetryOutbox(ctx, "s1", 1, at, "broker down"); err != nil {
			t.Fatalf("retry attempt %d: %v", attempt, err)
		}
		at = at.Add(10 * time.Minute)
	}

	summary, err := store.OutboxSummary(ctx)
	if err != nil {
		t.Fatalf("outbox summary: %v", err)
	}
	if summary.Dead != 1 {
		t.Fatalf("dead = %d, want 1", summary.Dead)
	}
	if claimed, err := store.ClaimOutbox(ctx, at, 10); err != nil || len(claimed) != 0 {
		t.Fatalf("claim dead = %d, %v; want none", len(claimed), err)
	}

	requeued, err := store.RequeueDeadOutbox(ctx, 10, at)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("requeued = %d, want 1", requeued)
	}
	claimed, err := store.ClaimOutbox(ctx, at, 10)
	if err != nil {
		t.Fatalf("claim requeued: %v", err)
	}
	if len(claimed) != 1 || claimed[0].AttemptCount != 0 {
		t.Fatalf("claimed = %+v, want one fresh row", claimed)
	}
}
