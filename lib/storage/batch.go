package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/docDB/lib/docs"
	"github.com/ValentinKolb/docDB/lib/engine"
)

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// UnitOfWork is one logical transaction submitted by a caller. All document
// reads and writes of the unit of work flow through the accessor.
type UnitOfWork func(acc *Accessor) error

// Session is the per-worker batch context. It enforces the at-most-one
// active batch discipline and carries the scoped cache bypass.
//
// Thread-safety: a Session must be used by one goroutine at a time. Create
// one session per worker; sessions of the same storage handle may run
// batches in parallel.
type Session struct {
	id      uint64
	st      *Storage
	current *Batch

	// skipCache counts the nested SkipCachingScope acquisitions.
	skipCache int
}

// NewSession creates a new batch session bound to this storage handle.
func (s *Storage) NewSession() *Session {
	return &Session{
		id: s.sessionIDs.Add(1),
		st: s,
	}
}

// ActiveBatches returns the number of batches currently in flight across all
// sessions of this storage handle.
func (s *Storage) ActiveBatches() int {
	return s.active.Size()
}

// --------------------------------------------------------------------------
// Batch
// --------------------------------------------------------------------------

// Batch is one in-flight transaction context. It owns a stable engine
// snapshot, the buffered writes of the unit of work and the post-commit
// callback queue.
type Batch struct {
	session  *Session
	accessor *Accessor

	snap    engine.Tx
	release func()

	// writes buffers all staged document mutations keyed by document key.
	writes map[string]*pendingWrite

	// postCommit callbacks fire after a successful commit, outside any lock.
	postCommit []func()

	// deferred index/aggregation work flushed before commit
	indexTasks []indexTask
}

// pendingWrite is one staged mutation. A nil doc marks a tombstone.
type pendingWrite struct {
	doc  docs.Document
	meta docs.Metadata

	// optimistic concurrency base: the revision this batch saw when it first
	// touched the key. Zero etag with existed=false means "expects absent".
	base           docs.ETag
	baseCollection string
	existed        bool

	// filled in during commit, consumed by the cache update afterwards
	newETag docs.ETag
	newMeta docs.Metadata
}

// releaseSnapshot closes the batch's read transaction. Idempotent; the
// batch must not read through the snapshot afterwards.
func (b *Batch) releaseSnapshot() {
	if b.release != nil {
		b.release()
		b.release = nil
		b.snap = nil
	}
}

// indexTask is one unit of deferred secondary-index/aggregation work.
type indexTask struct {
	table string
	key   string
	value []byte // nil = delete
	delta int64  // document count adjustment
}

// --------------------------------------------------------------------------
// RunBatch
// --------------------------------------------------------------------------

// RunBatch executes a unit of work inside this session's transaction.
//
// If the session already holds an active batch, work runs against the
// existing accessor and no second transaction is opened; writes made earlier
// in the outer batch stay visible. Otherwise a new batch is bound, the work
// runs, deferred index work is flushed, the batch commits, and the
// post-commit callbacks run after the shutdown permit is released.
//
// A commit that lost a write-write race returns the distinguished
// concurrent-modification error (IsConflict); the caller decides whether to
// retry the whole unit of work. A batch attempted after Shutdown is ignored
// and logged, since a background worker racing an explicit shutdown is
// expected.
func (sess *Session) RunBatch(work UnitOfWork) error {
	// Nested-batch reuse: the presence of a bound batch also proves the
	// shared permit is held, so no teardown can be in progress.
	if sess.current != nil {
		return work(sess.current.accessor)
	}

	st := sess.st
	st.guard.RLock()

	if st.closed || !st.initialized {
		st.guard.RUnlock()
		log.Debugf("%s: batch attempted on closed storage, ignored", st.prefix)
		return nil
	}

	snap, release, err := st.eng.Snapshot()
	if err != nil {
		st.guard.RUnlock()
		return WrapError(RetCInternalError, "begin batch", err)
	}

	b := &Batch{
		session: sess,
		snap:    snap,
		release: release,
		writes:  make(map[string]*pendingWrite),
	}
	b.accessor = &Accessor{batch: b}
	sess.current = b
	st.active.Store(sess.id, b)

	err = func() error {
		if err := work(b.accessor); err != nil {
			return err
		}
		b.flushDeferred()
		// The snapshot is not needed past this point: commit re-reads the
		// current etags inside its own write transaction. It must also not
		// be held across the commit, because a write commit that grows the
		// file waits for all open read transactions to close before
		// remapping, including one held by this very goroutine.
		b.releaseSnapshot()
		return b.commit()
	}()

	st.active.Delete(sess.id)
	sess.current = nil
	b.releaseSnapshot()
	st.guard.RUnlock()

	if err != nil {
		return err
	}

	// Post-commit dispatch: the storage-wide hook first, then the batch's own
	// callbacks, outside the permit. Callbacks must not assume a batch is
	// still active.
	if st.opts.OnCommit != nil {
		st.opts.OnCommit()
	}
	for _, cb := range b.postCommit {
		cb()
	}
	return nil
}

// RegisterPostCommit defers cb until the current batch has committed. When no
// batch is active on this session, cb runs immediately: collaborators can
// rely on "runs once the state is durable" without knowing whether they are
// inside a batch.
func (sess *Session) RegisterPostCommit(cb func()) {
	if sess.current == nil {
		cb()
		return
	}
	sess.current.postCommit = append(sess.current.postCommit, cb)
}

// Accessor returns the accessor of the active batch. Calling it outside a
// batch is a usage error.
func (sess *Session) Accessor() (*Accessor, error) {
	if sess.current == nil {
		return nil, NewError(RetCUsage, "no batch is active on this session")
	}
	return sess.current.accessor, nil
}

// SkipCachingScope disables document cache population for this session until
// the returned release function is called. Scopes nest; each release undoes
// exactly one acquisition, so the prior bypass state is restored on exit.
// Used by bulk import paths where caching every document would thrash the
// cache for no benefit.
func (sess *Session) SkipCachingScope() func() {
	sess.skipCache++
	released := false
	return func() {
		if !released {
			released = true
			sess.skipCache--
		}
	}
}

func (sess *Session) cachingDisabled() bool {
	return sess.skipCache > 0
}

// --------------------------------------------------------------------------
// Deferred Index Work
// --------------------------------------------------------------------------

// flushDeferred turns the staged writes into secondary-index and aggregation
// tasks. They apply inside the commit transaction, after the conflict check.
func (b *Batch) flushDeferred() {
	for key, pw := range b.writes {
		if pw.doc == nil {
			// tombstone
			if pw.existed {
				if pw.baseCollection != "" {
					b.indexTasks = append(b.indexTasks, indexTask{
						table: tableCollections,
						key:   collectionIndexKey(pw.baseCollection, key),
					})
				}
				b.indexTasks = append(b.indexTasks, indexTask{delta: -1})
			}
			continue
		}

		if pw.existed && pw.baseCollection != "" && pw.baseCollection != pw.meta.Collection {
			b.indexTasks = append(b.indexTasks, indexTask{
				table: tableCollections,
				key:   collectionIndexKey(pw.baseCollection, key),
			})
		}
		if pw.meta.Collection != "" {
			b.indexTasks = append(b.indexTasks, indexTask{
				table: tableCollections,
				key:   collectionIndexKey(pw.meta.Collection, key),
				value: []byte{},
			})
		}
		if !pw.existed {
			b.indexTasks = append(b.indexTasks, indexTask{delta: 1})
		}
	}
}

// --------------------------------------------------------------------------
// Commit
// --------------------------------------------------------------------------

// commit verifies the optimistic concurrency bases, applies the buffered
// writes and index tasks in one engine transaction, and updates the document
// cache afterwards.
func (b *Batch) commit() error {
	st := b.session.st

	if len(b.writes) == 0 {
		// read-only batch, nothing to persist
		mBatchesCommitted.Inc()
		return nil
	}

	now := time.Now().UTC()

	err := st.eng.Update(func(tx engine.Tx) error {
		// conflict check first, so nothing is applied on a lost race
		for key, pw := range b.writes {
			var cur docs.ETag
			if raw, ok := tx.Get(tableDocuments, key); ok {
				etag, err := docs.PeekETag(raw)
				if err != nil {
					return err
				}
				cur = etag
			}
			if cur != pw.base {
				return NewError(RetCConflict, fmt.Sprintf(
					"document %q was modified by another transaction (etag %s, batch started from %s)",
					key, cur, pw.base))
			}
		}

		var countDelta int64
		for key, pw := range b.writes {
			if pw.doc == nil {
				if err := tx.Delete(tableDocuments, key); err != nil {
					return err
				}
				continue
			}

			etag := st.etags.Next()
			meta := pw.meta
			meta.Key = key
			meta.ETag = etag
			meta.LastModified = now
			if meta.Collection != "" {
				meta.Flags |= docs.FlagHasIndexEntries
			}

			raw, err := docs.EncodeEnvelope(st.codec, pw.doc, meta)
			if err != nil {
				return err
			}
			if err := tx.Put(tableDocuments, key, raw); err != nil {
				return err
			}
			if err := tx.Put(tableVersions, versionKey(etag), []byte(key)); err != nil {
				return err
			}

			pw.newETag = etag
			pw.newMeta = meta
		}

		for _, task := range b.indexTasks {
			switch {
			case task.delta != 0:
				countDelta += task.delta
			case task.value == nil:
				if err := tx.Delete(task.table, task.key); err != nil {
					return err
				}
			default:
				if err := tx.Put(task.table, task.key, task.value); err != nil {
					return err
				}
			}
		}

		if countDelta != 0 {
			raw, _ := tx.Get(tableSystem, keyDocCount)
			count := int64(decodeUint64(raw)) + countDelta
			if count < 0 {
				count = 0
			}
			if err := tx.Put(tableSystem, keyDocCount, encodeUint64(uint64(count))); err != nil {
				return err
			}
		}

		if err := tx.Put(tableSystem, keyETag, encodeUint64(uint64(st.etags.Current()))); err != nil {
			return err
		}

		return trimVersionStore(tx, st.opts.Engine.VersionPageLimit)
	})

	if err != nil {
		if IsConflict(err) {
			mWriteConflicts.Inc()
			return err
		}
		if st.isEngineClosed(err) {
			// expected finalizer/shutdown race, swallowed by design of the
			// error taxonomy
			log.Debugf("%s: commit after engine shutdown swallowed: %v", st.prefix, err)
			return nil
		}
		return WrapError(RetCInternalError, fmt.Sprintf("commit batch on %s", st.opts.Path), err)
	}

	// Deferred commit mode buffers durability; a batch that carried index
	// work falls back to an immediate flush.
	if st.opts.DeferredCommits && len(b.indexTasks) > 0 {
		if serr := st.eng.Sync(); serr != nil {
			return WrapError(RetCInternalError, "sync after deferred index work", serr)
		}
	}

	b.updateCache()
	mBatchesCommitted.Inc()
	return nil
}

// updateCache installs the committed revisions in the document cache and
// drops the now-stale base revisions.
func (b *Batch) updateCache() {
	st := b.session.st
	skip := b.session.cachingDisabled()

	for key, pw := range b.writes {
		if pw.existed {
			st.cache.Remove(key, pw.base)
		}
		if pw.doc != nil && !skip {
			st.cache.Set(key, pw.newETag, pw.doc, pw.newMeta)
		}
	}
}

// isEngineClosed classifies commit failures caused by a shutdown race.
func (s *Storage) isEngineClosed(err error) bool {
	return errors.Is(err, engine.ErrClosed)
}

// versionKey formats a version stamp as a fixed-width, lexicographically
// ordered version-store key.
func versionKey(etag docs.ETag) string {
	return fmt.Sprintf("%020d", uint64(etag))
}

// trimVersionStore drops the oldest version-store entries beyond limit.
func trimVersionStore(tx engine.Tx, limit int) error {
	if limit <= 0 {
		return nil
	}

	var keys []string
	if err := tx.ForEach(tableVersions, func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	}); err != nil {
		return err
	}

	for i := 0; i < len(keys)-limit; i++ {
		if err := tx.Delete(tableVersions, keys[i]); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Accessor
// --------------------------------------------------------------------------

// Accessor is the object through which a unit of work performs document
// reads and writes within its bound transaction.
//
// Thread-safety: an accessor belongs to its batch and must only be used by
// the goroutine running the unit of work.
type Accessor struct {
	batch *Batch
}

// Session returns the session this accessor's batch is bound to.
func (a *Accessor) Session() *Session {
	return a.batch.session
}

// Get returns the document and metadata stored under key, observing writes
// staged earlier in this batch. The boolean reports whether the document
// exists. The returned values are independent copies.
func (a *Accessor) Get(key string) (docs.Document, docs.Metadata, bool, error) {
	b := a.batch

	// staged writes win over the snapshot
	if pw, ok := b.writes[key]; ok {
		if pw.doc == nil {
			return nil, docs.Metadata{}, false, nil
		}
		return pw.doc.DeepCopy(), pw.meta.DeepCopy(), true, nil
	}

	raw, ok := b.snap.Get(tableDocuments, key)
	if !ok {
		return nil, docs.Metadata{}, false, nil
	}

	etag, err := docs.PeekETag(raw)
	if err != nil {
		return nil, docs.Metadata{}, false, WrapError(RetCInternalError, fmt.Sprintf("read document %q", key), err)
	}

	st := b.session.st
	if doc, meta, ok := st.cache.Get(key, etag); ok {
		return doc, meta, true, nil
	}

	doc, meta, err := docs.DecodeEnvelope(st.codec, raw)
	if err != nil {
		return nil, docs.Metadata{}, false, WrapError(RetCInternalError, fmt.Sprintf("decode document %q", key), err)
	}

	// read-through population, suppressed inside a SkipCachingScope
	if !b.session.cachingDisabled() {
		st.cache.Set(key, etag, doc, meta)
	}

	return doc.DeepCopy(), meta.DeepCopy(), true, nil
}

// Put stages an insert or update of key. The staged document is an
// independent copy; mutating doc afterwards does not change what commits.
// The version stamp of the new revision is assigned at commit.
func (a *Accessor) Put(key string, doc docs.Document, meta docs.Metadata) error {
	if doc == nil {
		return NewError(RetCUsage, "Put requires a non-nil document, use Delete for tombstones")
	}

	pw, err := a.batch.staged(key)
	if err != nil {
		return err
	}
	pw.doc = doc.DeepCopy()
	pw.meta = meta.DeepCopy()
	return nil
}

// Delete stages a tombstone for key. Deleting a missing document is not an
// error; the delete simply commits as a no-op.
func (a *Accessor) Delete(key string) error {
	pw, err := a.batch.staged(key)
	if err != nil {
		return err
	}
	pw.doc = nil
	pw.meta = docs.Metadata{}
	return nil
}

// RegisterPostCommit queues cb on this accessor's batch.
func (a *Accessor) RegisterPostCommit(cb func()) {
	a.batch.postCommit = append(a.batch.postCommit, cb)
}

// staged returns the pending write for key, capturing the optimistic
// concurrency base from the snapshot on first touch.
func (b *Batch) staged(key string) (*pendingWrite, error) {
	if pw, ok := b.writes[key]; ok {
		return pw, nil
	}

	pw := &pendingWrite{}
	if raw, ok := b.snap.Get(tableDocuments, key); ok {
		meta, err := docs.DecodeMetadata(raw)
		if err != nil {
			return nil, WrapError(RetCInternalError, fmt.Sprintf("read base revision of %q", key), err)
		}
		pw.base = meta.ETag
		pw.baseCollection = meta.Collection
		pw.existed = true
	}
	b.writes[key] = pw
	return pw, nil
}
