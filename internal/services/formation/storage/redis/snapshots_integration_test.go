//go:build integration

package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/louisbranch/formation/internal/services/formation/domain/snapshot"
	"github.com/louisbranch/formation/internal/services/formation/domain/snapshot/snapshottest"
)

var (
	containerOnce sync.Once
	sharedClient  *redis.Client
	containerErr  error
	prefixSeq     atomic.Int64
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := tcredis.Run(ctx, "redis:7-alpine")
		if err != nil {
			containerErr = fmt.Errorf("start redis container: %w", err)
			return
		}
		addr, err := container.ConnectionString(ctx)
		if err != nil {
			_ = testcontainers.TerminateContainer(container)
			containerErr = fmt.Errorf("redis connection string: %w", err)
			return
		}
		opts, err := redis.ParseURL(addr)
		if err != nil {
			_ = testcontainers.TerminateContainer(container)
			containerErr = fmt.Errorf("parse redis url: %w", err)
			return
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			_ = testcontainers.TerminateContainer(container)
			containerErr = fmt.Errorf("ping redis: %w", err)
			return
		}
		sharedClient = client
	})
	if containerErr != nil {
		t.Fatalf("redis container: %v", containerErr)
	}
	return sharedClient
}

// newTestStore isolates each test under its own key prefix.
func newTestStore(t *testing.T) *SnapshotStore {
	t.Helper()
	client := startRedis(t)
	store, err := NewSnapshotStore(client, WithKeyPrefix(fmt.Sprintf("test:%d:", prefixSeq.Add(1))))
	if err != nil {
		t.Fatalf("new snapshot store: %v", err)
	}
	return store
}

func TestSnapshotStoreContract(t *testing.T) {
	snapshottest.Run(t, func(t *testing.T) snapshot.Store {
		return newTestStore(t)
	})
}

func TestLoadRejectsMismatchedWatermark(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.CompareAndSwap(ctx, 0, snapshottest.Sample("s1", 3)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.client.HSet(ctx, store.key("s1"), fieldSeq, "7").Err(); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := store.Load(ctx, "s1"); err == nil {
		t.Fatal("expected error for mismatched watermark")
	}
}
