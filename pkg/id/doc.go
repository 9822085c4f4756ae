// Package id generates 128-bit, lexicographically sortable identifiers.
//
// The channel layer draws one of these for every enqueued record and passes
// it to the delegates as the record's internal id; ids from a single
// Generator are strictly increasing even
// when the wall clock steps backwards.
package id
