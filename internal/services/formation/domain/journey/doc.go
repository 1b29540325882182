// Package journey folds a subject's event journal into its current Journey.
//
// Apply and Project are pure: the same ordered events always produce the same
// Journey, and Project(events) equals folding Apply over an empty Journey.
// There is no stored "current state" record; every Journey can be discarded and
// rebuilt from the journal.
//
// Kinds this build does not understand are recorded in Journey.Unrecognized and
// still advance AppliedSeq, so older binaries keep replaying newer journals.
package journey
