package sqlmigrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

const createSubjects = "-- +migrate Up\nCREATE TABLE subjects(id TEXT PRIMARY KEY);\n-- +migrate Down\nDROP TABLE subjects;"

func TestApplyRecordsEachFileOnce(t *testing.T) {
	db := openTestDB(t)
	migrations := fstest.MapFS{
		"001_subjects.sql": &fstest.MapFile{Data: []byte(createSubjects)},
	}

	for i := 0; i < 2; i++ {
		if err := Apply(context.Background(), db, SQLite, migrations, ""); err != nil {
			t.Fatalf("apply pass %d: %v", i, err)
		}
	}

	if got := countRows(t, db, "SELECT COUNT(*) FROM schema_migrations"); got != 1 {
		t.Fatalf("migration rows = %d, want 1", got)
	}
	if got := countRows(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='subjects'"); got != 1 {
		t.Fatalf("subjects table count = %d, want 1", got)
	}
}

func TestApplyLeavesFailedFileUnrecorded(t *testing.T) {
	db := openTestDB(t)
	bad := fstest.MapFS{
		"001_subjects.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREAT TABLE subjects(id TEXT);")},
	}
	if err := Apply(context.Background(), db, SQLite, bad, ""); err == nil {
		t.Fatal("expected malformed migration to fail")
	}
	if got := countRows(t, db, "SELECT COUNT(*) FROM schema_migrations"); got != 0 {
		t.Fatalf("migration rows = %d, want 0", got)
	}

	fixed := fstest.MapFS{
		"001_subjects.sql": &fstest.MapFile{Data: []byte(createSubjects)},
	}
	if err := Apply(context.Background(), db, SQLite, fixed, ""); err != nil {
		t.Fatalf("apply fixed migration: %v", err)
	}
	if got := countRows(t, db, "SELECT COUNT(*) FROM schema_migrations"); got != 1 {
		t.Fatalf("migration rows = %d, want 1", got)
	}
}

func TestApplyKeysByRoot(t *testing.T) {
	db := openTestDB(t)
	migrations := fstest.MapFS{
		"events/001_events.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREATE TABLE events(seq INTEGER);")},
		"events/002_outbox.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREATE TABLE outbox(id TEXT);")},
	}
	if err := Apply(context.Background(), db, SQLite, migrations, "events"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var first string
	if err := db.QueryRow("SELECT name FROM schema_migrations ORDER BY name LIMIT 1").Scan(&first); err != nil {
		t.Fatalf("read migration key: %v", err)
	}
	if first != "events/001_events.sql" {
		t.Fatalf("migration key = %q, want %q", first, "events/001_events.sql")
	}
}

func TestExtractUpMigration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "no markers", content: "CREATE TABLE a(x);", want: "CREATE TABLE a(x);"},
		{name: "up only", content: "-- +migrate Up\nCREATE TABLE a(x);", want: "\nCREATE TABLE a(x);"},
		{name: "up and down", content: createSubjects, want: "\nCREATE TABLE subjects(id TEXT PRIMARY KEY);\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractUpMigration(tc.content); got != tc.want {
				t.Fatalf("ExtractUpMigration() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDialectRecordSQL(t *testing.T) {
	if got := Postgres.recordSQL(); got != "INSERT INTO schema_migrations (name, applied_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING" {
		t.Fatalf("postgres record sql = %q", got)
	}
	if Postgres.String() != "postgres" || SQLite.String() != "sqlite" {
		t.Fatalf("dialect names = %q/%q", Postgres, SQLite)
	}
}

func TestApplyRejectsNilDB(t *testing.T) {
	if err := Apply(context.Background(), nil, SQLite, fstest.MapFS{}, ""); err == nil {
		t.Fatal("expected nil db error")
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func countRows(t *testing.T, db *sql.DB, query string) int64 {
	t.Helper()
	var n int64
	if err := db.QueryRow(query).Scan(&n); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return n
}
