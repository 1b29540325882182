// Package memory provides an in-process event store. It backs tests and the
// FORMATION_STORE=memory mode; nothing survives a restart.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/formation/internal/platform/id"
	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"github.com/louisbranch/formation/internal/services/formation/storage"
	"github.com/louisbranch/formation/internal/services/formation/storage/integrity"
)

// Store keeps every subject's journal in memory.
type Store struct {
	mu       sync.RWMutex
	subjects map[string]*journal
	flags    map[string]storage.InspectionFlag
	keyring  *integrity.Keyring
	now      func() time.Time
}

type journal struct {
	events []event.Event
	byKey  map[string]int
}

// Option configures a Store.
type Option func(*Store)

// WithKeyring signs chain hashes with ring.
func WithKeyring(ring *integrity.Keyring) Option {
	return func(s *Store) { s.keyring = ring }
}

// WithClock overrides the clock used for events appended without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		subjects: make(map[string]*journal),
		flags:    make(map[string]storage.InspectionFlag),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ storage.Store = (*Store)(nil)

// Append implements storage.EventStore.
func (s *Store) Append(ctx context.Context, req storage.AppendRequest) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil {
		return event.Event{}, errors.New("storage is not configured")
	}
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := req.Validate(); err != nil {
		return event.Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.subjects[req.SubjectID]
	if j != nil {
		if idx, ok := j.byKey[req.IdempotencyKey]; ok {
			return cloneEvent(j.events[idx]), storage.ErrDuplicateEvent
		}
	}
	latest := uint64(0)
	prevChainHash := ""
	if j != nil && len(j.events) > 0 {
		last := j.events[len(j.events)-1]
		latest = last.Seq
		prevChainHash = last.ChainHash
	}
	if req.ExpectedSeq != latest {
		return event.Event{}, &storage.SequenceConflictError{SubjectID: req.SubjectID, Expected: req.ExpectedSeq, Actual: latest}
	}

	eventID, err := id.NewID()
	if err != nil {
		return event.Event{}, err
	}
	timestamp := req.Timestamp
	if timestamp.IsZero() {
		timestamp = s.now()
	}
	evt := event.Event{
		ID:             eventID,
		SubjectID:      req.SubjectID,
		Seq:            latest + 1,
		Kind:           req.Kind,
		PayloadJSON:    slices.Clone(req.PayloadJSON),
		Timestamp:      timestamp.UTC().Truncate(time.Millisecond),
		IdempotencyKey: req.IdempotencyKey,
		ActorID:        req.ActorID,
	}
	if err := integrity.Seal(&evt, prevChainHash, s.keyring); err != nil {
		return event.Event{}, fmt.Errorf("seal event: %w", err)
	}

	if j == nil {
		j = &journal{byKey: make(map[string]int)}
		s.subjects[req.SubjectID] = j
	}
	j.byKey[evt.IdempotencyKey] = len(j.events)
	j.events = append(j.events, evt)
	return cloneEvent(evt), nil
}

// ReadAll implements storage.EventStore.
func (s *Store) ReadAll(ctx context.Context, subjectID string) ([]event.Event, error) {
	return s.ListEvents(ctx, subjectID, 0, 0)
}

// ReadSince implements storage.EventStore.
func (s *Store) ReadSince(ctx context.Context, subjectID string, seq uint64) ([]event.Event, error) {
	return s.ListEvents(ctx, subjectID, seq, 0)
}

// ListEvents implements storage.EventStore. A limit of zero or less returns
// every remaining event.
func (s *Store) ListEvents(ctx context.Context, subjectID string, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("storage is not configured")
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, event.ErrSubjectIDRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	j := s.subjects[subjectID]
	if j == nil || afterSeq >= uint64(len(j.events)) {
		return []event.Event{}, nil
	}
	// Seq n lives at index n-1.
	page := j.events[afterSeq:]
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	out := make([]event.Event, len(page))
	for i, evt := range page {
		out[i] = cloneEvent(evt)
	}
	return out, nil
}

// LatestSeq implements storage.EventStore.
func (s *Store) LatestSeq(ctx context.Context, subjectID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil {
		return 0, errors.New("storage is not configured")
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return 0, event.ErrSubjectIDRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	j := s.subjects[subjectID]
	if j == nil {
		return 0, nil
	}
	return uint64(len(j.events)), nil
}

// EventByIdempotencyKey implements storage.IdempotencyIndex.
func (s *Store) EventByIdempotencyKey(ctx context.Context, subjectID, key string) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil {
		return event.Event{}, errors.New("storage is not configured")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	j := s.subjects[strings.TrimSpace(subjectID)]
	if j == nil {
		return event.Event{}, storage.ErrNotFound
	}
	idx, ok := j.byKey[strings.TrimSpace(key)]
	if !ok {
		return event.Event{}, storage.ErrNotFound
	}
	return cloneEvent(j.events[idx]), nil
}

// ListSubjects implements storage.SubjectLister.
func (s *Store) ListSubjects(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	subjects := make([]string, 0, len(s.subjects))
	for subjectID := range s.subjects {
		subjects = append(subjects, subjectID)
	}
	slices.Sort(subjects)
	return subjects, nil
}

// VerifySubject implements storage.IntegrityVerifier.
func (s *Store) VerifySubject(ctx context.Context, subjectID string) error {
	events, err := s.ReadAll(ctx, subjectID)
	if err != nil {
		return err
	}
	return integrity.VerifyChain(strings.TrimSpace(subjectID), events, s.keyring)
}

// FlagSubject implements storage.InspectionStore. Re-flagging a subject
// replaces the earlier flag.
func (s *Store) FlagSubject(ctx context.Context, subjectID string, seq uint64, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return event.ErrSubjectIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.flags[subjectID] = storage.InspectionFlag{
		SubjectID: subjectID,
		Seq:       seq,
		Reason:    reason,
		FlaggedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	return nil
}

// ListFlagged implements storage.InspectionStore, ordered by subject id.
func (s *Store) ListFlagged(ctx context.Context) ([]storage.InspectionFlag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	flags := make([]storage.InspectionFlag, 0, len(s.flags))
	for _, flag := range s.flags {
		flags = append(flags, flag)
	}
	slices.SortFunc(flags, func(a, b storage.InspectionFlag) int {
		return strings.Compare(a.SubjectID, b.SubjectID)
	})
	return flags, nil
}

// ClearFlag implements storage.InspectionStore.
func (s *Store) ClearFlag(ctx context.Context, subjectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	subjectID = strings.TrimSpace(subjectID)
	if _, ok := s.flags[subjectID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.flags, subjectID)
	return nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return nil
}

func cloneEvent(evt event.Event) event.Event {
	evt.PayloadJSON = slices.Clone(evt.PayloadJSON)
	return evt
}
