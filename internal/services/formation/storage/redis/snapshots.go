// Package redis shares journey snapshots between formation processes through
// Redis. Each snapshot is a hash holding its watermark and the JSON journey;
// CompareAndSwap runs as one Lua script so concurrent writers cannot regress
// a newer watermark.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/louisbranch/formation/internal/services/formation/domain/snapshot"
	"github.com/louisbranch/formation/internal/services/formation/storage"
)

const defaultKeyPrefix = "formation:snapshot:"

const (
	fieldSeq  = "seq"
	fieldData = "data"
)

// casScript swaps the snapshot when the stored watermark equals ARGV[1].
// KEYS[1] snapshot key; ARGV expected seq, next seq, payload, ttl millis.
var casScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'seq')
if not current then
  current = '0'
end
if tonumber(current) ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[2], 'data', ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// SnapshotStore implements snapshot.Store on Redis.
type SnapshotStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ snapshot.Store = (*SnapshotStore)(nil)

// Option configures a SnapshotStore.
type Option func(*SnapshotStore)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(s *SnapshotStore) { s.prefix = prefix }
}

// WithTTL expires snapshots that were not refreshed within ttl. Zero keeps
// them until deleted.
func WithTTL(ttl time.Duration) Option {
	return func(s *SnapshotStore) { s.ttl = ttl }
}

// NewSnapshotStore creates a snapshot store backed by client.
func NewSnapshotStore(client redis.UniversalClient, opts ...Option) (*SnapshotStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	store := &SnapshotStore{client: client, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *SnapshotStore) key(subjectID string) string {
	return s.prefix + subjectID
}

// Load implements snapshot.Store.
func (s *SnapshotStore) Load(ctx context.Context, subjectID string) (snapshot.Snapshot, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return snapshot.Snapshot{}, snapshot.ErrSubjectIDRequired
	}
	fields, err := s.client.HGetAll(ctx, s.key(subjectID)).Result()
	if err != nil {
		return snapshot.Snapshot{}, unavailable("load snapshot", err)
	}
	if len(fields) == 0 {
		return snapshot.Snapshot{}, snapshot.ErrNotFound
	}

	seq, err := strconv.ParseUint(fields[fieldSeq], 10, 64)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("decode snapshot seq subject=%s: %w", subjectID, err)
	}
	var snap snapshot.Snapshot
	if err := json.Unmarshal([]byte(fields[fieldData]), &snap); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("decode snapshot subject=%s: %w", subjectID, err)
	}
	if snap.AppliedSeq != seq {
		return snapshot.Snapshot{}, fmt.Errorf("decode snapshot subject=%s: watermark %d does not match payload %d", subjectID, seq, snap.AppliedSeq)
	}
	return snap, nil
}

// CompareAndSwap implements snapshot.Store.
func (s *SnapshotStore) CompareAndSwap(ctx context.Context, expectedSeq uint64, next snapshot.Snapshot) (bool, error) {
	subjectID := strings.TrimSpace(next.SubjectID)
	if subjectID == "" {
		return false, snapshot.ErrSubjectIDRequired
	}
	if next.AppliedSeq <= expectedSeq {
		return false, nil
	}
	next.SubjectID = subjectID
	payload, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode snapshot subject=%s: %w", subjectID, err)
	}

	swapped, err := casScript.Run(ctx, s.client,
		[]string{s.key(subjectID)},
		strconv.FormatUint(expectedSeq, 10),
		strconv.FormatUint(next.AppliedSeq, 10),
		payload,
		s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, unavailable("swap snapshot", err)
	}
	return swapped == 1, nil
}

// Delete implements snapshot.Store.
func (s *SnapshotStore) Delete(ctx context.Context, subjectID string) error {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return snapshot.ErrSubjectIDRequired
	}
	if err := s.client.Del(ctx, s.key(subjectID)).Err(); err != nil {
		return unavailable("delete snapshot", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return storage.Unavailable(op, err)
}
