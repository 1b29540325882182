// Package sqlite implements the event journal, the transactional outbox and
// inspection flags on SQLite (modernc.org/sqlite, no cgo).
//
// Writes run in IMMEDIATE transactions so concurrent appends to the same
// database serialize on the write lock instead of failing on upgrade; the
// loser of an optimistic race then observes the new latest sequence and
// reports a sequence conflict.
package sqlite
