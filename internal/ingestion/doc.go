// Package ingestion implements the HTTP client that delivers log batches to
// the ingestion endpoint. It owns transport-level pause state: a recoverable
// failure flips the client to paused and notifies delegates, which gates the
// channel until the transport recovers. The client schedules no retries.
package ingestion
