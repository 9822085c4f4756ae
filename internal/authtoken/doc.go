// Package authtoken tracks the timeline of auth tokens used to sign
// outgoing batches. The sign-in subsystem appends tokens as they are issued
// or refreshed; the channel takes snapshots of the validity windows so a
// flush can partition records by the token that was current when they were
// produced.
package authtoken
