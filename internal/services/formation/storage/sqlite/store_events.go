package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/formation/internal/platform/id"
	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"github.com/louisbranch/formation/internal/services/formation/storage"
	"github.com/louisbranch/formation/internal/services/formation/storage/integrity"
)

const eventColumns = `subject_id, seq, event_id, kind, payload_json, recorded_at, idempotency_key,
    actor_id, event_hash, prev_chain_hash, chain_hash, signature_key_id, signature`

// Append implements storage.EventStore. The idempotency lookup, the sequence
// check, the insert and the outbox enqueue share one transaction.
func (s *Store) Append(ctx context.Context, req storage.AppendRequest) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if err := s.ready(); err != nil {
		return event.Event{}, err
	}
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := req.Validate(); err != nil {
		return event.Event{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, driverError("begin append tx", err)
	}
	defer tx.Rollback()

	prior, err := scanEvent(tx.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE subject_id = ? AND idempotency_key = ?`,
		req.SubjectID, req.IdempotencyKey,
	))
	switch {
	case err == nil:
		return prior, storage.ErrDuplicateEvent
	case !errors.Is(err, sql.ErrNoRows):
		return event.Event{}, driverError("lookup idempotency key", err)
	}

	var (
		latest        int64
		prevChainHash string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT seq, chain_hash FROM events WHERE subject_id = ? ORDER BY seq DESC LIMIT 1`,
		req.SubjectID,
	).Scan(&latest, &prevChainHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, driverError("load latest event", err)
	}
	if req.ExpectedSeq != uint64(latest) {
		return event.Event{}, &storage.SequenceConflictError{SubjectID: req.SubjectID, Expected: req.ExpectedSeq, Actual: uint64(latest)}
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
		Seq:            uint64(latest) + 1,
		Kind:           req.Kind,
		PayloadJSON:    req.PayloadJSON,
		Timestamp:      timestamp.UTC().Truncate(time.Millisecond),
		IdempotencyKey: req.IdempotencyKey,
		ActorID:        req.ActorID,
	}
	if len(evt.PayloadJSON) == 0 {
		evt.PayloadJSON = []byte("{}")
	}
	if err := integrity.Seal(&evt, prevChainHash, s.keyring); err != nil {
		return event.Event{}, fmt.Errorf("seal event: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.SubjectID, int64(evt.Seq), evt.ID, string(evt.Kind), evt.PayloadJSON, toMillis(evt.Timestamp),
		evt.IdempotencyKey, evt.ActorID, evt.Hash, evt.PrevHash, evt.ChainHash, evt.SignatureKeyID, evt.Signature,
	); err != nil {
		if isConstraintError(err) {
			return event.Event{}, &storage.SequenceConflictError{SubjectID: req.SubjectID, Expected: req.ExpectedSeq, Actual: evt.Seq}
		}
		return event.Event{}, driverError("append event", err)
	}
	if err := s.enqueueOutbox(ctx, tx, evt); err != nil {
		return event.Event{}, err
	}

	if err := tx.Commit(); err != nil {
		return event.Event{}, driverError("commit append", err)
	}
	return evt, nil
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
	if err := s.ready(); err != nil {
		return nil, err
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, event.ErrSubjectIDRequired
	}
	if limit <= 0 {
		// SQLite treats a negative limit as unbounded.
		limit = -1
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE subject_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		subjectID, int64(afterSeq), limit,
	)
	if err != nil {
		return nil, driverError("list events", err)
	}
	defer rows.Close()

	events := make([]event.Event, 0)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, driverError("iterate events", err)
	}
	return events, nil
}

// GetEvent returns one event by sequence or storage.ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, subjectID string, seq uint64) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if err := s.ready(); err != nil {
		return event.Event{}, err
	}
	evt, err := scanEvent(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE subject_id = ? AND seq = ?`,
		strings.TrimSpace(subjectID), int64(seq),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, storage.ErrNotFound
	}
	if err != nil {
		return event.Event{}, driverError("get event", err)
	}
	return evt, nil
}

// EventByIdempotencyKey implements storage.IdempotencyIndex.
func (s *Store) EventByIdempotencyKey(ctx context.Context, subjectID, key string) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if err := s.ready(); err != nil {
		return event.Event{}, err
	}
	evt, err := scanEvent(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE subject_id = ? AND idempotency_key = ?`,
		strings.TrimSpace(subjectID), strings.TrimSpace(key),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, storage.ErrNotFound
	}
	if err != nil {
		return event.Event{}, driverError("lookup idempotency key", err)
	}
	return evt, nil
}

// LatestSeq implements storage.EventStore.
func (s *Store) LatestSeq(ctx context.Context, subjectID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return 0, event.ErrSubjectIDRequired
	}

	var seq int64
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE subject_id = ?`, subjectID,
	).Scan(&seq); err != nil {
		return 0, driverError("get latest event seq", err)
	}
	return uint64(seq), nil
}

// ListSubjects implements storage.SubjectLister.
func (s *Store) ListSubjects(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT DISTINCT subject_id FROM events ORDER BY subject_id`)
	if err != nil {
		return nil, driverError("list subjects", err)
	}
	defer rows.Close()

	subjects := make([]string, 0)
	for rows.Next() {
		var subjectID string
		if err := rows.Scan(&subjectID); err != nil {
			return nil, fmt.Errorf("scan subject id: %w", err)
		}
		subjects = append(subjects, subjectID)
	}
	if err := rows.Err(); err != nil {
		return nil, driverError("iterate subjects", err)
	}
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		evt        event.Event
		seq        int64
		kind       string
		recordedAt int64
	)
	if err := row.Scan(
		&evt.SubjectID,
		&seq,
		&evt.ID,
		&kind,
		&evt.PayloadJSON,
		&recordedAt,
		&evt.IdempotencyKey,
		&evt.ActorID,
		&evt.Hash,
		&evt.PrevHash,
		&evt.ChainHash,
		&evt.SignatureKeyID,
		&evt.Signature,
	); err != nil {
		return event.Event{}, err
	}
	evt.Seq = uint64(seq)
	evt.Kind = event.Kind(kind)
	evt.Timestamp = fromMillis(recordedAt)
	return evt, nil
}
