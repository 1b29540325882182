// Package storage defines the persistence contracts of the formation engine.
//
// The event journal is append-only: Append is the only write and there is no
// update or delete. Per subject, sequences are 1-based and gapless, and
// (subject, seq) and (subject, idempotency key) are unique. Implementations
// live in subpackages (memory, sqlite, postgres).
//
// Common errors:
//   - ErrSequenceConflict: expected sequence does not match the stored latest
//   - ErrDuplicateEvent: idempotency key already committed, prior event returned
//   - ErrUnavailable: transient driver or connection failure
//   - ErrNotFound: requested record is missing
package storage
