package logstore

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - grp/{group}/m
// - grp/{group}/e/{ts_ms_be8}{seq_be8}

var (
	grpPrefix  = []byte("grp/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// keyMeta builds the group metadata key.
func keyMeta(group string) []byte {
	k := make([]byte, 0, len(group)+8)
	k = append(k, grpPrefix...)
	k = append(k, group...)
	k = append(k, metaSuffix...)
	return k
}

// keyEntry builds the record key with big-endian timestamp and sequence for
// proper time ordering.
func keyEntry(group string, tsMs int64, seq uint64) []byte {
	k := make([]byte, 0, len(group)+24)
	k = append(k, grpPrefix...)
	k = append(k, group...)
	k = append(k, entrySeg...)
	k = appendBE8(k, uint64(tsMs))
	k = appendBE8(k, seq)
	return k
}

// keyEntryPrefix returns the prefix covering every record of a group.
func keyEntryPrefix(group string) []byte {
	k := make([]byte, 0, len(group)+8)
	k = append(k, grpPrefix...)
	k = append(k, group...)
	k = append(k, entrySeg...)
	return k
}

// entryBounds returns the [lower, upper) iterator bounds for records of a
// group with timestamps in [afterMs, beforeMs). beforeMs <= 0 means
// unbounded.
func entryBounds(group string, afterMs, beforeMs int64) (lo, hi []byte) {
	prefix := keyEntryPrefix(group)
	if afterMs < 0 {
		afterMs = 0
	}
	lo = appendBE8(append([]byte(nil), prefix...), uint64(afterMs))
	lo = appendBE8(lo, 0)
	if beforeMs <= 0 {
		hi = append(append([]byte(nil), prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		return lo, hi
	}
	hi = appendBE8(append([]byte(nil), prefix...), uint64(beforeMs))
	hi = appendBE8(hi, 0)
	return lo, hi
}
