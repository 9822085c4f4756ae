// Package logstore persists telemetry records per group in Pebble and hands
// them out in time-ordered, size-bounded batches.
//
// Records are keyed by (group, timestamp, sequence) so a load over a
// half-open time range is a single ordered scan. A load checks the selected
// records out under a fresh batch id; checked-out records are invisible to
// later loads until the batch is deleted or the process restarts. Checkout
// state is deliberately process-local: delivery is at-least-once, and a
// crash must return staged records to eligibility.
package logstore
