// Package docs defines the document model of docDB: parsed document bodies,
// per-revision metadata, version stamps and the serialization between all of
// these and the bytes the storage engine sees.
//
// The package focuses on:
//   - A deep-copyable Document type so no two callers ever alias state
//   - Version stamps (ETag) with a monotonic, thread-safe source
//   - Pluggable body codecs behind a unified interface
//   - A compact binary envelope for the on-disk record
//
// Key Components:
//
//   - Document / Metadata: A JSON-shaped body plus the per-revision metadata
//     (key, etag, collection, modification time, flags). Both expose DeepCopy;
//     the cache and the batch accessor rely on it to enforce copy isolation.
//
//   - ETag / ETagSource: An opaque version stamp identifying one revision of
//     one document. A storage handle owns a single ETagSource, seeded from
//     the persisted high-water mark, so stamps stay strictly increasing
//     across restarts.
//
//   - ICodec: The serialization interface for document bodies with two
//     implementations, JSON (default, interoperable) and GOB (Go-specific,
//     faster for deeply nested bodies). The codec is chosen once at
//     initialize and applies to the whole database.
//
//   - Envelope: The binary on-disk record layout (format version, presence
//     flags, big-endian etag, length-prefixed metadata and body). Metadata is
//     always JSON regardless of the body codec, so PeekETag and index
//     rebuilds never need the codec.
package docs
