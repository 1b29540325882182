// Package snapshot memoizes projected journeys so reads do not replay the
// whole journal.
//
// A Snapshot is valid only up to its AppliedSeq. On read the cache compares
// that watermark with the journal, applies any newer events incrementally and
// stores the result with a compare-and-swap on AppliedSeq. Any ambiguity (a
// gap, a snapshot ahead of the journal, an undecodable entry) discards the
// entry and rebuilds from the journal. The cache is never the system of
// record: with no Store configured every read is a plain rebuild and returns
// identical results.
package snapshot
