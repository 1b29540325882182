// Package http serves the formation JSON API with chi: command intake,
// journey reads, the audit event feed, health and Prometheus metrics.
package http
