// Package outbox relays committed events from a store's transactional outbox
// to a broker. Rows are leased, published, then completed; failures back off
// and dead-letter after storage.OutboxDeadLetterThreshold attempts.
package outbox
