// Package storage implements the transactional storage core of docDB: the
// database file lifecycle, the batch execution engine, crash-consistent
// maintenance and schema versioning, layered on the generic engine interface
// of the engine package.
//
// The package focuses on:
//   - One storage handle per database file with an exactly-once
//     Initialize/Shutdown lifecycle and a generated instance prefix for
//     diagnostics
//   - Batches: one logical transaction per unit of work, at most one active
//     batch per session, nested calls reuse the active batch
//   - ACID-like guarantees on top of the engine: atomicity of a batch,
//     snapshot isolation of reads, configurable durability, optimistic
//     write-write conflict detection
//   - Crash-consistent compaction via a pending-rename marker file and a
//     startup recovery state machine
//   - A strictly linear schema upgrade chain driven by the persisted tag
//
// Key Components:
//
//   - Storage: the process-wide handle. Initialize performs crash recovery,
//     attaches (or creates) the database file, runs the dirty-shutdown
//     repair pass at most once, migrates the schema forward, seeds the
//     version-stamp source and prepares the document cache. Shutdown waits
//     for in-flight batches and releases everything exactly once; a dropped
//     handle is caught by a finalizer-based emergency path, logged as misuse.
//
//   - Session / Batch / Accessor: a Session is the explicit per-worker batch
//     context (instead of ambient thread-local state). RunBatch binds a
//     batch with a stable engine snapshot, buffers the unit of work's
//     writes, flushes deferred secondary-index and aggregation work, commits
//     in one engine transaction with per-key version-stamp verification, and
//     dispatches post-commit callbacks outside the shutdown permit. A commit
//     that lost a write-write race surfaces the distinguished
//     concurrent-modification error (IsConflict); retrying is the caller's
//     decision.
//
//   - Recovery & Compaction: Compact writes a compacted copy through a
//     scratch read-only engine instance, then swaps it in with three ordered
//     filesystem operations around the "<file>.RenameOp" marker. Each crash
//     point lands in exactly one of two states that recoverPendingRename
//     resolves before any attach.
//
//   - Schema Versioning: an explicit ordered registry of upgraders keyed by
//     source version. A persisted tag with no matching upgrader is a fatal,
//     non-retryable error with operator remediation in the message.
//
//   - Error System: typed *Error values with RetCode classification
//     (conflict, schema mismatch, permission, shutdown, usage, internal)
//     plus Is* helpers. All other engine errors are wrapped with operation
//     and path context and passed through uninterpreted.
//
// Concurrency model: sessions of one storage handle run batches in parallel;
// the engine serializes true transactional work internally. The shared/
// exclusive permit (RWMutex) guarantees teardown waits for in-flight batches
// and no batch begins after teardown starts. Post-commit callbacks run after
// the permit is released and must not assume a batch is still active.
package storage
