// Package engine runs formation commands end to end: validate, load the
// projected journey, decide, append with optimistic concurrency and fold the
// stored events back into the journey.
//
// A command whose idempotency key is already committed is answered from the
// journal without being decided again. Sequence conflicts are retried only
// when the caller did not pin an expected sequence.
package engine
