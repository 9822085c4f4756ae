// Package channel implements the per-group scheduler that turns enqueued
// records into delivered batches.
//
// A Unit owns one group: the enqueue path, delegate fan-out, pending-batch
// accounting, pause gating, the flush timer, and coordination with the
// auth-token timeline. Every state transition and every delegate invocation
// runs on a single serial execution context (the unit queue), shared by all
// units of a Group; public entry points submit work to that context and
// return. Correctness is by single-writer discipline, not per-field locks.
package channel
