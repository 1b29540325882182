package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"github.com/louisbranch/formation/internal/services/formation/storage"
)

// FlagSubject implements storage.InspectionStore. Re-flagging replaces the
// earlier flag.
func (s *Store) FlagSubject(ctx context.Context, subjectID string, seq uint64, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return event.ErrSubjectIDRequired
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO inspection_flags (subject_id, seq, reason, flagged_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(subject_id) DO UPDATE SET seq = excluded.seq, reason = excluded.reason, flagged_at = excluded.flagged_at`,
		subjectID, int64(seq), reason, toMillis(s.now()),
	); err != nil {
		return driverError("flag subject", err)
	}
	return nil
}

// ListFlagged implements storage.InspectionStore, ordered by subject id.
func (s *Store) ListFlagged(ctx context.Context) ([]storage.InspectionFlag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT subject_id, seq, reason, flagged_at FROM inspection_flags ORDER BY subject_id`)
	if err != nil {
		return nil, driverError("list inspection flags", err)
	}
	defer rows.Close()

	flags := make([]storage.InspectionFlag, 0)
	for rows.Next() {
		var (
			flag      storage.InspectionFlag
			seq       int64
			flaggedAt int64
		)
		if err := rows.Scan(&flag.SubjectID, &seq, &flag.Reason, &flaggedAt); err != nil {
			return nil, fmt.Errorf("scan inspection flag: %w", err)
		}
		flag.Seq = uint64(seq)
		flag.FlaggedAt = fromMillis(flaggedAt)
		flags = append(flags, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, driverError("iterate inspection flags", err)
	}
	return flags, nil
}

// ClearFlag implements storage.InspectionStore.
func (s *Store) ClearFlag(ctx context.Context, subjectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM inspection_flags WHERE subject_id = ?`, strings.TrimSpace(subjectID))
	if err != nil {
		return driverError("clear inspection flag", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("clear inspection flag rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
