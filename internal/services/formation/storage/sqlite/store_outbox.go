package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"github.com/louisbranch/formation/internal/services/formation/storage"
)

func (s *Store) enqueueOutbox(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	if !s.outboxEnabled {
		return nil
	}
	enqueuedAt := toMillis(s.now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_outbox (subject_id, seq, kind, status, attempt_count, next_attempt_at, last_error, updated_at)
		 VALUES (?, ?, ?, 'pending', 0, ?, '', ?)
		 ON CONFLICT(subject_id, seq) DO NOTHING`,
		evt.SubjectID, int64(evt.Seq), string(evt.Kind), enqueuedAt, enqueuedAt,
	); err != nil {
		return driverError("enqueue outbox", err)
	}
	return nil
}

// ClaimOutbox implements storage.OutboxStore.
func (s *Store) ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]storage.OutboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []storage.OutboxEntry{}, nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, driverError("begin outbox claim tx", err)
	}
	defer tx.Rollback()

	staleBefore := toMillis(now.Add(-storage.OutboxLease))
	rows, err := tx.QueryContext(ctx,
		`SELECT o.attempt_count, o.next_attempt_at, o.last_error, `+prefixed("e", eventColumns)+`
		 FROM event_outbox o
		 JOIN events e ON e.subject_id = o.subject_id AND e.seq = o.seq
		 WHERE (o.status IN ('pending', 'failed') AND o.next_attempt_at <= ?)
		    OR (o.status = 'processing' AND o.updated_at <= ?)
		 ORDER BY o.next_attempt_at, o.seq
		 LIMIT ?`,
		toMillis(now), staleBefore, limit,
	)
	if err != nil {
		return nil, driverError("list due outbox rows", err)
	}
	candidates := make([]storage.OutboxEntry, 0, limit)
	for rows.Next() {
		var (
			entry       storage.OutboxEntry
			nextAttempt int64
		)
		evt, err := scanEvent(scannerFunc(func(dest ...any) error {
			return rows.Scan(append([]any{&entry.AttemptCount, &nextAttempt, &entry.LastError}, dest...)...)
		}))
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due outbox row: %w", err)
		}
		entry.Event = evt
		entry.NextAttemptAt = fromMillis(nextAttempt)
		candidates = append(candidates, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, driverError("iterate due outbox rows", err)
	}
	rows.Close()

	claimed := make([]storage.OutboxEntry, 0, len(candidates))
	for _, candidate := range candidates {
		result, err := tx.ExecContext(ctx,
			`UPDATE event_outbox
			 SET status = 'processing', updated_at = ?
			 WHERE subject_id = ? AND seq = ?
			   AND ((status IN ('pending', 'failed') AND next_attempt_at <= ?)
			     OR (status = 'processing' AND updated_at <= ?))`,
			toMillis(now), candidate.Event.SubjectID, int64(candidate.Event.Seq), toMillis(now), staleBefore,
		)
		if err != nil {
			return nil, driverError(fmt.Sprintf("claim outbox row %s/%d", candidate.Event.SubjectID, candidate.Event.Seq), err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim outbox row rows affected %s/%d: %w", candidate.Event.SubjectID, candidate.Event.Seq, err)
		}
		if affected == 1 {
			candidate.Status = storage.OutboxProcessing
			candidate.UpdatedAt = now.UTC().Truncate(time.Millisecond)
			claimed = append(claimed, candidate)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, driverError("commit outbox claim tx", err)
	}
	return claimed, nil
}

// CompleteOutbox implements storage.OutboxStore.
func (s *Store) CompleteOutbox(ctx context.Context, subjectID string, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM event_outbox WHERE subject_id = ? AND seq = ? AND status = 'processing'`,
		subjectID, int64(seq),
	)
	if err != nil {
		return driverError(fmt.Sprintf("complete outbox row %s/%d", subjectID, seq), err)
	}
	return ensureSingleRow(result, "complete outbox row", subjectID, seq)
}

// RetryOutbox implements storage.OutboxStore.
func (s *Store) RetryOutbox(ctx context.Context, subjectID string, seq uint64, now time.Time, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}

	var attempt int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT attempt_count FROM event_outbox WHERE subject_id = ? AND seq = ? AND status = 'processing'`,
		subjectID, int64(seq),
	).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("retry outbox row %s/%d: %w", subjectID, seq, storage.ErrNotFound)
	}
	if err != nil {
		return driverError("load outbox attempt", err)
	}
	attempt++
	status := storage.OutboxFailed
	if attempt >= storage.OutboxDeadLetterThreshold {
		status = storage.OutboxDead
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE event_outbox
		 SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		 WHERE subject_id = ? AND seq = ? AND status = 'processing'`,
		status, attempt, toMillis(now.Add(storage.OutboxBackoff(attempt))), lastError, toMillis(now),
		subjectID, int64(seq),
	)
	if err != nil {
		return driverError(fmt.Sprintf("mark outbox retry %s/%d", subjectID, seq), err)
	}
	return ensureSingleRow(result, "mark outbox retry", subjectID, seq)
}

// RequeueDeadOutbox implements storage.OutboxStore.
func (s *Store) RequeueDeadOutbox(ctx context.Context, limit int, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}
	if limit <= 0 {
		return 0, fmt.Errorf("outbox requeue limit must be greater than zero")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`WITH to_requeue AS (
			SELECT subject_id, seq FROM event_outbox
			WHERE status = 'dead'
			ORDER BY next_attempt_at ASC, seq ASC
			LIMIT ?
		)
		UPDATE event_outbox
		SET status = 'pending', attempt_count = 0, next_attempt_at = ?, last_error = '', updated_at = ?
		WHERE status = 'dead'
		  AND EXISTS (
			SELECT 1 FROM to_requeue
			WHERE to_requeue.subject_id = event_outbox.subject_id AND to_requeue.seq = event_outbox.seq
		  )`,
		limit, toMillis(now), toMillis(now),
	)
	if err != nil {
		return 0, driverError("requeue dead outbox rows", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue dead outbox rows affected: %w", err)
	}
	return int(affected), nil
}

// OutboxSummary implements storage.OutboxStore.
func (s *Store) OutboxSummary(ctx context.Context) (storage.OutboxSummary, error) {
	if err := ctx.Err(); err != nil {
		return storage.OutboxSummary{}, err
	}
	if err := s.ready(); err != nil {
		return storage.OutboxSummary{}, err
	}

	summary := storage.OutboxSummary{}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT status, COUNT(*) FROM event_outbox GROUP BY status`)
	if err != nil {
		return storage.OutboxSummary{}, driverError("query outbox summary counts", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return storage.OutboxSummary{}, fmt.Errorf("scan outbox summary count: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(status)) {
		case storage.OutboxPending:
			summary.Pending = count
		case storage.OutboxProcessing:
			summary.Processing = count
		case storage.OutboxFailed:
			summary.Failed = count
		case storage.OutboxDead:
			summary.Dead = count
		}
	}
	if err := rows.Err(); err != nil {
		return storage.OutboxSummary{}, driverError("iterate outbox summary counts", err)
	}

	var oldest sql.NullInt64
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT MIN(next_attempt_at) FROM event_outbox WHERE status IN ('pending', 'failed')`,
	).Scan(&oldest); err != nil {
		return storage.OutboxSummary{}, driverError("query oldest pending outbox row", err)
	}
	if oldest.Valid {
		summary.OldestPendingAt = fromMillis(oldest.Int64)
	}
	return summary, nil
}

func ensureSingleRow(result sql.Result, operation, subjectID string, seq uint64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected %s/%d: %w", operation, subjectID, seq, err)
	}
	if affected != 1 {
		return fmt.Errorf("%s %s/%d: expected 1 row, got %d", operation, subjectID, seq, affected)
	}
	return nil
}

type scannerFunc func(dest ...any) error

func (f scannerFunc) Scan(dest ...any) error {
	return f(dest...)
}

// prefixed qualifies a comma separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
