// Package cache provides the document cache of docDB: a bounded, concurrent
// cache of parsed document/metadata pairs keyed by (document key, version
// stamp).
//
// The package focuses on:
//   - Snapshot isolation for cached values: deep copies on both Set and Get,
//     so the cache's internal state never aliases caller-held documents
//   - Version scoping: an entry is only served for the exact stamp it was
//     stored under, a stale stamp is a plain miss
//   - Bounded memory with cost-based eviction and optional TTL expiry
//
// Key Components:
//
//   - ICache Interface: get/set/remove plus size introspection and a
//     wholesale Purge used at shutdown. A cache miss is a normal negative
//     result, never an error.
//
//   - Ristretto Backend: the implementation uses dgraph-io/ristretto, whose
//     admission/eviction policy keeps frequently read documents resident
//     under memory pressure. Eviction never blocks callers and cannot break
//     copy isolation, entries are immutable once stored.
//
// The scoped cache-bypass used by bulk import paths is not part of this
// package: it is a property of the calling batch context, see the storage
// package's Session.SkipCachingScope.
package cache
