package redis

import (
	"testing"
	"time"
)

func TestNewSnapshotStoreRequiresClient(t *testing.T) {
	if _, err := NewSnapshotStore(nil); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestKeyUsesPrefix(t *testing.T) {
	store := &SnapshotStore{prefix: defaultKeyPrefix}
	if got, want := store.key("s1"), "formation:snapshot:s1"; got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
	WithKeyPrefix("tenant-a:")(store)
	WithTTL(time.Hour)(store)
	if got, want := store.key("s1"), "tenant-a:s1"; got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
	if store.ttl != time.Hour {
		t.Fatalf("ttl = %v, want %v", store.ttl, time.Hour)
	}
}
