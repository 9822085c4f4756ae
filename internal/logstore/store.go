package logstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/Artproton/beacon/internal/protocol"
	pebblestore "github.com/Artproton/beacon/internal/storage/pebble"
	"github.com/Artproton/beacon/pkg/log"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("logstore: closed")

// Store is the durable staging area for telemetry records, keyed by group.
// All methods are safe for concurrent use.
type Store struct {
	db     *pebblestore.DB
	logger log.Logger

	mu         sync.Mutex
	closed     bool
	meta       map[string]*groupMeta
	lastBatch  uint64
	batches    map[string]*checkout
	checkedOut map[string]string
}

type groupMeta struct {
	lastSeq uint64
	count   uint64
}

type checkout struct {
	group string
	keys  [][]byte
}

// New wraps an open database. The caller keeps ownership of db.
func New(db *pebblestore.DB, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		db:         db,
		logger:     logger.With(log.Component("logstore")),
		meta:       make(map[string]*groupMeta),
		batches:    make(map[string]*checkout),
		checkedOut: make(map[string]string),
	}
}

// Close detaches the store from its database. Checked-out batches are
// forgotten, which is also what a process restart does.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.batches = make(map[string]*checkout)
	s.checkedOut = make(map[string]string)
}

// Save persists one record for the group. FlagsCritical forces a WAL fsync
// for this commit.
func (s *Store) Save(rec *protocol.Log, groupID string, flags protocol.Flags) error {
	payload, err := protocol.MarshalLog(rec)
	if err != nil {
		return fmt.Errorf("logstore: encode record: %w", err)
	}
	tsMs := rec.Timestamp.UnixMilli()
	if rec.Timestamp.IsZero() {
		tsMs = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	gm, err := s.groupMetaLocked(groupID)
	if err != nil {
		return err
	}
	gm.lastSeq++
	gm.count++

	header := []byte{byte(flags.Normalized())}
	val := encodeRecord(header, payload)
	key := keyEntry(groupID, tsMs, gm.lastSeq)

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, val, nil); err != nil {
		return err
	}
	if err := b.Set(keyMeta(groupID), gm.encode(), nil); err != nil {
		return err
	}
	if err := s.db.CommitBatch(context.Background(), b, flags.Normalized() == protocol.FlagsCritical); err != nil {
		gm.lastSeq--
		gm.count--
		return fmt.Errorf("logstore: commit: %w", err)
	}
	return nil
}

// Load selects up to limit records for the group with timestamps in
// [after, before), skipping checked-out records and records whose target
// keys are all excluded. A zero before means unbounded. On a non-empty
// selection the records are checked out under the returned batch id.
func (s *Store) Load(groupID string, limit int, excludedTargetKeys []string, after, before time.Time) ([]*protocol.Log, string, error) {
	if limit <= 0 {
		return nil, "", nil
	}
	excluded := make(map[string]struct{}, len(excludedTargetKeys))
	for _, k := range excludedTargetKeys {
		excluded[k] = struct{}{}
	}
	var afterMs, beforeMs int64
	if !after.IsZero() {
		afterMs = after.UnixMilli()
	}
	if !before.IsZero() {
		beforeMs = before.UnixMilli()
	}
	lo, hi := entryBounds(groupID, afterMs, beforeMs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, "", ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, "", err
	}
	defer iter.Close()

	var logs []*protocol.Log
	var keys [][]byte
	for ok := iter.First(); ok && len(logs) < limit; ok = iter.Next() {
		key := iter.Key()
		if _, out := s.checkedOut[string(key)]; out {
			continue
		}
		dec, ok2 := decodeRecord(iter.Value())
		if !ok2 {
			s.logger.Warn("dropping corrupt record", log.Str("group", groupID))
			continue
		}
		rec, err := protocol.UnmarshalLog(dec.payload)
		if err != nil {
			s.logger.Warn("dropping undecodable record", log.Str("group", groupID), log.Err(err))
			continue
		}
		if len(dec.header) > 0 {
			rec.Flags = protocol.Flags(dec.header[0])
		}
		if skipByTargets(rec, excluded) {
			continue
		}
		logs = append(logs, rec)
		keys = append(keys, append([]byte(nil), key...))
	}
	if len(logs) == 0 {
		return nil, "", nil
	}

	s.lastBatch++
	batchID := strconv.FormatUint(s.lastBatch, 10)
	s.batches[batchID] = &checkout{group: groupID, keys: keys}
	for _, k := range keys {
		s.checkedOut[string(k)] = batchID
	}
	return logs, batchID, nil
}

// skipByTargets reports whether a record carries target tokens and every one
// of them resolves to an excluded key. Records without targets are always
// eligible.
func skipByTargets(rec *protocol.Log, excluded map[string]struct{}) bool {
	if len(excluded) == 0 {
		return false
	}
	keys := rec.TargetKeys()
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		if _, ok := excluded[k]; !ok {
			return false
		}
	}
	return true
}

// DeleteBatch removes the checked-out records of a batch. Unknown batch ids
// are a no-op: the batch may belong to a group that was wiped.
func (s *Store) DeleteBatch(batchID, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	co, ok := s.batches[batchID]
	if !ok || co.group != groupID {
		return nil
	}
	delete(s.batches, batchID)

	b := s.db.NewBatch()
	defer b.Close()
	for _, k := range co.keys {
		delete(s.checkedOut, string(k))
		if err := b.Delete(k, nil); err != nil {
			return err
		}
	}
	gm, err := s.groupMetaLocked(groupID)
	if err != nil {
		return err
	}
	if gm.count >= uint64(len(co.keys)) {
		gm.count -= uint64(len(co.keys))
	} else {
		gm.count = 0
	}
	if err := b.Set(keyMeta(groupID), gm.encode(), nil); err != nil {
		return err
	}
	return s.db.CommitBatch(context.Background(), b, false)
}

// DeleteGroup removes every record of the group and releases its checkouts.
// The sequence counter survives so later saves never collide with keys that
// were checked out at wipe time.
func (s *Store) DeleteGroup(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for id, co := range s.batches {
		if co.group != groupID {
			continue
		}
		for _, k := range co.keys {
			delete(s.checkedOut, string(k))
		}
		delete(s.batches, id)
	}
	prefix := keyEntryPrefix(groupID)
	hi := append(append([]byte(nil), prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	if err := s.db.DeleteRange(prefix, hi); err != nil {
		return err
	}
	gm, err := s.groupMetaLocked(groupID)
	if err != nil {
		return err
	}
	gm.count = 0
	return s.db.Set(keyMeta(groupID), gm.encode())
}

// Count returns the number of persisted records for the group, including
// checked-out ones.
func (s *Store) Count(groupID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	gm, err := s.groupMetaLocked(groupID)
	if err != nil {
		return 0, err
	}
	return int(gm.count), nil
}

func (s *Store) groupMetaLocked(groupID string) (*groupMeta, error) {
	if gm, ok := s.meta[groupID]; ok {
		return gm, nil
	}
	gm := &groupMeta{}
	raw, err := s.db.Get(keyMeta(groupID))
	switch {
	case err == nil:
		gm.decode(raw)
	case errors.Is(err, pebblestore.ErrNotFound):
	default:
		return nil, err
	}
	s.meta[groupID] = gm
	return gm, nil
}

// Meta encoding: lastSeq (8B) | count (8B).
func (m *groupMeta) encode() []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], m.lastSeq)
	binary.BigEndian.PutUint64(b[8:16], m.count)
	return b[:]
}

func (m *groupMeta) decode(b []byte) {
	if len(b) >= 8 {
		m.lastSeq = binary.BigEndian.Uint64(b[0:8])
	}
	if len(b) >= 16 {
		m.count = binary.BigEndian.Uint64(b[8:16])
	}
}
