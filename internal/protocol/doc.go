// Package protocol defines the log record model and the JSON wire payload
// sent to the ingestion endpoint.
package protocol
