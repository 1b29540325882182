// Package postgres implements the formation journal on Postgres through the
// pgx database/sql driver.
//
// The schema mirrors the SQLite store: events keyed by (subject_id, seq) with
// a unique (subject_id, idempotency_key), the transactional outbox and the
// inspection flags. Concurrent appends at the same sequence race on the
// primary key; the loser sees a unique violation and reports a sequence
// conflict.
package postgres
