// Package engine provides a standardized interface for the transactional
// storage engine underneath the docDB storage core. It defines a capability
// interface (Engine) that allows the core to manage the database file
// lifecycle, run transactions and perform maintenance without knowing
// anything about pages, B-trees or on-disk layout.
//
// The package focuses on:
//   - A unified interface for transactional table/key-value operations
//   - Feature discovery through capability flags
//   - Lifecycle operations with a precise error contract (permission
//     failures, dirty shutdowns, read-only attaches)
//   - Maintenance primitives (repair pass, compacted copies, streamed backups)
//
// Key Components:
//
//   - Engine Interface: The core interface every engine implementation must
//     satisfy. It provides lifecycle methods (Open, Close), transaction
//     scopes (View, Update, Snapshot), durability control (Sync) and
//     maintenance operations (Repair, CompactTo, WriteTo).
//
//   - Tx Interface: The surface exposed inside a transaction. Tables are
//     flat named key spaces created lazily; all reads and writes of the
//     storage core flow through this interface.
//
//   - Feature Flags: The Feature type defines capability flags that
//     implementations can advertise through the SupportsFeature method, so
//     the storage core can degrade gracefully (e.g. report a sentinel size
//     instead of failing when FeatureTableSize is missing).
//
//   - Error Sentinels: Open distinguishes ErrPermission (the file cannot be
//     opened or created at all, an operator problem) from ErrDirty (the
//     previous process crashed and a single repair pass is expected) from
//     all other storage failures.
//
//   - Factory: A function type that abstracts the creation of engine
//     instances, providing dependency injection and flexible configuration
//     of storage backends.
//
// Implementations:
//
//	The package ships one implementation of the Engine interface:
//
//	- Bolt Engine (bolt): A file-backed engine built on go.etcd.io/bbolt.
//	  It maps tables to buckets, supports MVCC read snapshots, deferred
//	  durability, a discard-indexes repair pass and compacted copies.
//	  Available in the "github.com/ValentinKolb/docDB/lib/engine/bolt" package.
//
// This interface-driven approach allows the storage core to:
//   - Swap engine implementations without code changes
//   - Gracefully handle operations not supported by specific implementations
//   - Keep crash recovery and compaction logic engine-agnostic
package engine
