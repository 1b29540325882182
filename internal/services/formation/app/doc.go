// Package app assembles the formation service: it owns the command handler,
// the snapshot cache and the readiness engine, and opens the stores and
// background workers selected by configuration.
package app
