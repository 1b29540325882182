//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/louisbranch/formation/internal/services/formation/storage"
	"github.com/louisbranch/formation/internal/services/formation/storage/integrity"
	"github.com/louisbranch/formation/internal/services/formation/storage/storagetest"
)

var (
	containerOnce sync.Once
	adminDSN      string
	containerErr  error
	databaseSeq   atomic.Int64
)

// startPostgres shares one container across the package; each store gets its
// own database.
func startPostgres(t *testing.T) string {
	t.Helper()
	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("formation"),
			tcpostgres.WithUsername("formation"),
			tcpostgres.WithPassword("formation"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		adminDSN, containerErr = container.ConnectionString(ctx, "sslmode=disable")
		if containerErr != nil {
			_ = testcontainers.TerminateContainer(container)
		}
	})
	if containerErr != nil {
		t.Fatalf("postgres container: %v", containerErr)
	}
	return adminDSN
}

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	ctx := context.Background()
	admin := startPostgres(t)

	name := fmt.Sprintf("formation_test_%d", databaseSeq.Add(1))
	adminDB, err := sql.Open("pgx", admin)
	if err != nil {
		t.Fatalf("open admin db: %v", err)
	}
	if _, err := adminDB.ExecContext(ctx, "CREATE DATABASE "+name); err != nil {
		_ = adminDB.Close()
		t.Fatalf("create database %s: %v", name, err)
	}
	_ = adminDB.Close()

	parsed, err := url.Parse(admin)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	parsed.Path = "/" + name

	store, err := Open(ctx, parsed.String(), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
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

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := openTestStore(t, WithOutboxEnabled(true), WithClock(func() time.Time { return now }))
	storagetest.MustAppend(t, store, "s1", 2)

	claimed, err := store.ClaimOutbox(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim outbox: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed = %d, want 2", len(claimed))
	}
	again, err := store.ClaimOutbox(ctx, now, 10)
	if err != nil {
		t.Fatalf("reclaim outbox: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("reclaimed = %d, want 0 while leased", len(again))
	}

	if err := store.CompleteOutbox(ctx, "s1", 1); err != nil {
		t.Fatalf("complete outbox: %v", err)
	}
	if err := store.RetryOutbox(ctx, "s1", 2, now, "broker down"); err != nil {
		t.Fatalf("retry outbox: %v", err)
	}

	summary, err := store.OutboxSummary(ctx)
	if err != nil {
		t.Fatalf("outbox summary: %v", err)
	}
	if summary.Failed != 1 || summary.Pending != 0 || summary.Processing != 0 {
		t.Fatalf("summary = %+v, want one failed row", summary)
	}
	if want := now.Add(storage.OutboxBackoff(1)); !summary.OldestPendingAt.Equal(want) {
		t.Fatalf("oldest pending = %v, want %v", summary.OldestPendingAt, want)
	}

	expired, err := store.ClaimOutbox(ctx, now.Add(storage.OutboxBackoff(1)), 10)
	if err != nil {
		t.Fatalf("claim retried row: %v", err)
	}
	if len(expired) != 1 || expired[0].AttemptCount != 1 || expired[0].LastError != "broker down" {
		t.Fatalf("retried claim = %+v, want attempt 1 with last error", expired)
	}
}

func TestOutboxDeadLettersAndRequeues(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
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
		if err := store.RetryOutbox(ctx, "s1", 1, at, "rejected"); err != nil {
			t.Fatalf("retry attempt %d: %v", attempt, err)
		}
		at = at.Add(storage.OutboxBackoff(attempt))
	}

	summary, err := store.OutboxSummary(ctx)
	if err != nil {
		t.Fatalf("outbox summary: %v", err)
	}
	if summary.Dead != 1 {
		t.Fatalf("dead = %d, want 1", summary.Dead)
	}

	requeued, err := store.RequeueDeadOutbox(ctx, 10, at)
	if err != nil {
		t.Fatalf("requeue dead: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("requeued = %d, want 1", requeued)
	}
	claimed, err := store.ClaimOutbox(ctx, at, 1)
	if err != nil {
		t.Fatalf("claim requeued: %v", err)
	}
	if len(claimed) != 1 || claimed[0].AttemptCount != 0 {
		t.Fatalf("requeued claim = %+v, want fresh attempt count", claimed)
	}
}
