package postgres

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
		 VALUES ($1, $2, $3, 'pending', 0, $4, '', $4)
		 ON CONFLICT (subject_id, seq) DO NOTHING`,
		evt.SubjectID, int64(evt.Seq), string(evt.Kind), enqueuedAt,
	); err != nil {
		return driverError("enqueue outbox", err)
	}
	return nil
}

// ClaimOutbox implements storage.OutboxStore. Rows locked by a concurrent
// relay are skipped rather than waited on.
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

	nowMillis := toMillis(now)
	rows, err := tx.QueryContext(ctx,
		`WITH due AS (
			SELECT subject_id, seq FROM event_outbox
			WHERE (status IN ('pending', 'failed') AND next_attempt_at <= $1)
			   OR (status = 'processing' AND updated_at <= $2)
			ORDER BY next_attempt_at, seq
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE event_outbox o
			SET status = 'processing', updated_at = $1
			FROM due
			WHERE o.subject_id = due.subject_id AND o.seq = due.seq
			RETURNING o.subject_id, o.seq, o.attempt_count, o.next_attempt_at, o.last_error
		)
		SELECT c.attempt_count, c.next_attempt_at, c.last_error, `+prefixed("e", eventColumns)+`
		FROM claimed c
		JOIN events e ON e.subject_id = c.subject_id AND e.seq = c.seq
		ORDER BY c.next_attempt_at, c.seq`,
		nowMillis, toMillis(now.Add(-storage.OutboxLease)), limit,
	)
	if err != nil {
		return nil, driverError("claim outbox rows", err)
	}
	claimed := make([]storage.OutboxEntry, 0, limit)
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
			return nil, fmt.Errorf("scan claimed outbox row: %w", err)
		}
		entry.Event = evt
		entry.Status = storage.OutboxProcessing
		entry.NextAttemptAt = fromMillis(nextAttempt)
		entry.UpdatedAt = fromMillis(nowMillis)
		claimed = append(claimed, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, driverError("iterate claimed outbox rows", err)
	}
	rows.Close()

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
		`DELETE FROM event_outbox WHERE subject_id = $1 AND seq = $2 AND status = 'processing'`,
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

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return driverError("begin outbox retry tx", err)
	}
	defer tx.Rollback()

	var attempt int
	err = tx.QueryRowContext(ctx,
		`SELECT attempt_count FROM event_outbox
		 WHERE subject_id = $1 AND seq = $2 AND status = 'processing'
		 FOR UPDATE`,
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
	result, err := tx.ExecContext(ctx,
		`UPDATE event_outbox
		 SET status = $1, attempt_count = $2, next_attempt_at = $3, last_error = $4, updated_at = $5
		 WHERE subject_id = $6 AND seq = $7`,
		status, attempt, toMillis(now.Add(storage.OutboxBackoff(attempt))), lastError, toMillis(now),
		subjectID, int64(seq),
	)
	if err != nil {
		return driverError(fmt.Sprintf("mark outbox retry %s/%d", subjectID, seq), err)
	}
	if err := ensureSingleRow(result, "mark outbox retry", subjectID, seq); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return driverError("commit outbox retry tx", err)
	}
	return nil
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
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox o
		SET status = 'pending', attempt_count = 0, next_attempt_at = $2, last_error = '', updated_at = $2
		FROM to_requeue
		WHERE o.subject_id = to_requeue.subject_id AND o.seq = to_requeue.seq`,
		limit, toMillis(now),
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
