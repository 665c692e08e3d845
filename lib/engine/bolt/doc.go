// Package bolt implements the engine.Engine interface on top of the
// go.etcd.io/bbolt embedded key-value store.
//
// Mapping:
//   - Tables map one-to-one onto root buckets, created lazily on first write.
//   - Snapshots map onto long-lived read-only bbolt transactions (MVCC),
//     so a batch can hold a stable view while other writers commit.
//   - Deferred durability maps onto bbolt's NoSync mode; Sync flushes
//     explicitly.
//
// Dirty-shutdown detection uses a marker key in an engine-private bucket:
// the marker records an attached file while the engine holds it and is
// rewritten as clean on Close. An attach that finds a stale marker returns
// engine.ErrDirty exactly once; the Repair pass then rebuilds the file,
// keeping document and system tables and discarding secondary-index tables
// (any table named with the "index." prefix), which the storage core can
// rebuild from primary data.
//
// Thread-safety: all methods are safe for concurrent use. bbolt allows many
// concurrent readers and serializes write transactions internally.
package bolt
