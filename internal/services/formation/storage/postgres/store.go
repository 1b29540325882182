package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/louisbranch/formation/internal/platform/storage/sqlmigrate"
	"github.com/louisbranch/formation/internal/services/formation/storage"
	"github.com/louisbranch/formation/internal/services/formation/storage/integrity"
	"github.com/louisbranch/formation/internal/services/formation/storage/postgres/migrations"
)

const (
	uniqueViolation    = "23505"
	serializationFail  = "40001"
	deadlockDetected   = "40P01"
	cannotConnectNow   = "57P03"
	tooManyConnections = "53300"

	idempotencyConstraint = "events_subject_idempotency_key"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store is a Postgres-backed storage.Store and storage.OutboxStore.
type Store struct {
	sqlDB         *sql.DB
	keyring       *integrity.Keyring
	now           func() time.Time
	outboxEnabled bool
}

var (
	_ storage.Store       = (*Store)(nil)
	_ storage.OutboxStore = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithKeyring signs chain hashes with ring.
func WithKeyring(ring *integrity.Keyring) Option {
	return func(s *Store) { s.keyring = ring }
}

// WithClock overrides the clock used for default timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithOutboxEnabled toggles enqueueing every appended event for publication.
func WithOutboxEnabled(enabled bool) Option {
	return func(s *Store) { s.outboxEnabled = enabled }
}

// Open connects to dsn and applies embedded migrations.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, storage.Unavailable("ping postgres", err)
	}
	if err := sqlmigrate.Apply(ctx, sqlDB, sqlmigrate.Postgres, migrations.EventsFS, "events"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	store := &Store{sqlDB: sqlDB, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Close closes the connection pool. Nil-safe so callers can always defer it.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.sqlDB.PingContext(ctx); err != nil {
		return storage.Unavailable("ping postgres", err)
	}
	return nil
}

func (s *Store) ready() error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func pgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) bool {
	pgErr, ok := pgError(err)
	return ok && pgErr.Code == uniqueViolation
}

func isIdempotencyViolation(err error) bool {
	pgErr, ok := pgError(err)
	return ok && pgErr.Code == uniqueViolation && pgErr.ConstraintName == idempotencyConstraint
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || pgconn.Timeout(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	pgErr, ok := pgError(err)
	if !ok {
		return false
	}
	switch pgErr.Code {
	case serializationFail, deadlockDetected, cannotConnectNow, tooManyConnections:
		return true
	}
	// Class 08 is connection exception.
	return strings.HasPrefix(pgErr.Code, "08")
}

// driverError classifies a driver failure, keeping context errors intact.
func driverError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if isTransient(err) {
		return storage.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
