package snapshot

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/louisbranch/formation/internal/services/formation/domain/journey"
)

var (
	// ErrSubjectIDRequired indicates a missing subject id.
	ErrSubjectIDRequired = errors.New("subject id is required")
	// ErrNotFound indicates no snapshot is stored for the subject.
	ErrNotFound = errors.New("snapshot not found")
)

// Snapshot is a cached journey plus the watermark it reflects.
type Snapshot struct {
	SubjectID  string          `json:"subject_id"`
	AppliedSeq uint64          `json:"applied_seq"`
	Journey    journey.Journey `json:"journey"`
}

// Store persists snapshots with compare-and-swap on AppliedSeq.
type Store interface {
	// Load returns the stored snapshot or ErrNotFound.
	Load(ctx context.Context, subjectID string) (Snapshot, error)
	// CompareAndSwap stores next only when the stored AppliedSeq equals
	// expectedSeq (0 when absent) and next.AppliedSeq is greater. It reports
	// whether the swap happened.
	CompareAndSwap(ctx context.Context, expectedSeq uint64, next Snapshot) (bool, error)
	// Delete discards the stored snapshot.
	Delete(ctx context.Context, subjectID string) error
}

// Memory stores snapshots in process memory.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Snapshot
}

// NewMemory creates an empty in-memory snapshot store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Snapshot)}
}

// Load implements Store.
func (m *Memory) Load(ctx context.Context, subjectID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if m == nil {
		return Snapshot{}, errors.New("snapshot store is required")
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return Snapshot{}, ErrSubjectIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.entries[subjectID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	snap.Journey = snap.Journey.Clone()
	return snap, nil
}

// CompareAndSwap implements Store.
func (m *Memory) CompareAndSwap(ctx context.Context, expectedSeq uint64, next Snapshot) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if m == nil {
		return false, errors.New("snapshot store is required")
	}
	subjectID := strings.TrimSpace(next.SubjectID)
	if subjectID == "" {
		return false, ErrSubjectIDRequired
	}
	if next.AppliedSeq <= expectedSeq {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.entries[subjectID]
	currentSeq := uint64(0)
	if ok {
		currentSeq = current.AppliedSeq
	}
	if currentSeq != expectedSeq {
		return false, nil
	}
	next.SubjectID = subjectID
	next.Journey = next.Journey.Clone()
	m.entries[subjectID] = next
	return true, nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, subjectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil {
		return errors.New("snapshot store is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, strings.TrimSpace(subjectID))
	return nil
}
