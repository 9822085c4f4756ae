// Package pebblestore provides a thin wrapper around Pebble with fsync
// policy, batches, range deletes, and a minimal metrics hook.
//
// The log store keeps every group's records in one Pebble database. Commits
// normally follow the database-wide fsync mode; a caller holding a critical
// record can force a WAL sync for that one commit.
//
//	db, err := pebblestore.Open(pebblestore.Options{DataDir: "./data"})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(context.Background(), b, false)
//	b.Close()
package pebblestore
