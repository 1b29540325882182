// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// Append caps the time a single command may spend reading state, deciding,
// and appending to the event journal, including conflict retries.
const Append = 5 * time.Second

// Read caps the time allowed to load and project a journey for a read.
const Read = 3 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// OutboxPublish caps one broker publish attempt made by the outbox relay.
const OutboxPublish = 10 * time.Second

// Dial bounds connecting to a gRPC peer and waiting for it to report SERVING.
const Dial = 5 * time.Second
