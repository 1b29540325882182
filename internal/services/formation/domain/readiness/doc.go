// Package readiness derives a non-authoritative readiness classification from
// the behavioral signals of a journey.
//
// The classification is recomputed on every read and never appended to the
// journal. A self-declared "ready" reflection is only ever one weighted signal:
// configuration validation rejects a self-report weight that could reach the
// ready threshold by itself, self-report contributions are capped in
// aggregate, and "ready" additionally requires a minimum number of supporting
// non-self-report signals in the window.
//
// Evaluation time is always an explicit argument.
package readiness
