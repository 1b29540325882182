package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/formation/internal/services/formation/storage"
	"github.com/louisbranch/formation/internal/services/formation/storage/integrity"
	"github.com/louisbranch/formation/internal/services/formation/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return New()
	})
}

func TestStoreContractWithKeyring(t *testing.T) {
	ring, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("secret")}, "v1")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return New(WithKeyring(ring))
	})
}

func TestAppendDefaultsTimestampToClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 987654321, time.FixedZone("UTC-3", -3*3600))
	store := New(WithClock(func() time.Time { return now }))

	req := storagetest.Request("s1", 0, "k1")
	req.Timestamp = time.Time{}
	evt, err := store.Append(context.Background(), req)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	want := now.UTC().Truncate(time.Millisecond)
	if !evt.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", evt.Timestamp, want)
	}
}

func TestReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	store := New()
	storagetest.MustAppend(t, store, "s1", 1)

	events, err := store.ReadAll(ctx, "s1")
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	events[0].PayloadJSON[0] = 'X'
	events[0].Kind = "tampered"

	if err := store.VerifySubject(ctx, "s1"); err != nil {
		t.Fatalf("verify after caller mutation: %v", err)
	}
}

func TestVerifySubjectDetectsTampering(t *testing.T) {
	ctx := context.Background()
	store := New()
	storagetest.MustAppend(t, store, "s1", 2)

	store.mu.Lock()
	store.subjects["s1"].events[0].ActorID = "someone-else"
	store.mu.Unlock()

	if err := store.VerifySubject(ctx, "s1"); !errors.Is(err, integrity.ErrChainBroken) {
		t.Fatalf("err = %v, want %v", err, integrity.ErrChainBroken)
	}
}
