package storage

import (
	"fmt"
	"strings"
	"testing"

	"github.com/ValentinKolb/docDB/lib/docs"
	"github.com/ValentinKolb/docDB/lib/engine"
)

// --------------------------------------------------------------------------
// Basic Operations
// --------------------------------------------------------------------------

func TestPutGetDelete(t *testing.T) {
	st := mustInitialize(t, testOptions(t))

	putDoc(t, st, "users/1", "users", docs.Document{"name": "alice"})

	doc, meta, ok := getDoc(t, st, "users/1")
	if !ok {
		t.Fatalf("Expected document to exist")
	}
	if doc["name"] != "alice" {
		t.Errorf("Unexpected document: %v", doc)
	}
	if meta.Key != "users/1" || meta.Collection != "users" || meta.ETag == 0 {
		t.Errorf("Unexpected metadata: %+v", meta)
	}

	sess := st.NewSession()
	if err := sess.RunBatch(func(acc *Accessor) error {
		return acc.Delete("users/1")
	}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, _, ok := getDoc(t, st, "users/1"); ok {
		t.Errorf("Expected document to be gone after Delete")
	}

	// deleting a missing document commits as a no-op
	if err := sess.RunBatch(func(acc *Accessor) error {
		return acc.Delete("never-existed")
	}); err != nil {
		t.Errorf("Expected delete of a missing document to succeed, got: %v", err)
	}
}

// TestLargeBatchCommits writes enough data to force the engine to grow and
// remap the database file several times. Every batch opens a read snapshot
// before its write commits; the commit must not depend on that snapshot
// still being open, or the growing write transaction waits on its own
// goroutine's reader forever.
func TestLargeBatchCommits(t *testing.T) {
	st := mustInitialize(t, testOptions(t))
	sess := st.NewSession()

	payload := strings.Repeat("x", 64<<10)
	for i := 0; i < 32; i++ {
		key := fmt.Sprintf("blob/%d", i)
		if err := sess.RunBatch(func(acc *Accessor) error {
			return acc.Put(key, docs.Document{"payload": payload}, docs.Metadata{Collection: "blobs"})
		}); err != nil {
			t.Fatalf("Put of %q failed: %v", key, err)
		}
	}

	// one batch that allocates many pages in a single commit
	if err := sess.RunBatch(func(acc *Accessor) error {
		for i := 32; i < 64; i++ {
			if err := acc.Put(fmt.Sprintf("blob/%d", i), docs.Document{"payload": payload}, docs.Metadata{Collection: "blobs"}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("bulk batch failed: %v", err)
	}

	for i := 0; i < 64; i++ {
		if _, _, ok := getDoc(t, st, fmt.Sprintf("blob/%d", i)); !ok {
			t.Fatalf("Expected blob/%d to be readable", i)
		}
	}
}

func TestUpdateAssignsNewStamp(t *testing.T) {
	st := mustInitialize(t, testOptions(t))

	putDoc(t, st, "users/1", "users", docs.Document{"rev": "first"})
	_, meta1, _ := getDoc(t, st, "users/1")

	putDoc(t, st, "users/1", "users", docs.Document{"rev": "second"})
	doc, meta2, _ := getDoc(t, st, "users/1")

	if doc["rev"] != "second" {
		t.Errorf("Expected the updated revision, got %v", doc)
	}
	if meta2.ETag <= meta1.ETag {
		t.Errorf("Expected a strictly newer version stamp, got %s then %s", meta1.ETag, meta2.ETag)
	}
}

// TestIndexFlagTracksCollection checks that the index-entries flag is only
// stamped onto revisions that actually have collection index entries.
func TestIndexFlagTracksCollection(t *testing.T) {
	st := mustInitialize(t, testOptions(t))

	putDoc(t, st, "loose", "", docs.Document{"a": "b"})
	putDoc(t, st, "filed", "users", docs.Document{"a": "b"})

	_, looseMeta, _ := getDoc(t, st, "loose")
	if looseMeta.Flags&docs.FlagHasIndexEntries != 0 {
		t.Errorf("Expected no index flag on a document without a collection, got flags %b", looseMeta.Flags)
	}

	_, filedMeta, _ := getDoc(t, st, "filed")
	if filedMeta.Flags&docs.FlagHasIndexEntries == 0 {
		t.Errorf("Expected the index flag on a document with a collection, got flags %b", filedMeta.Flags)
	}
}

func TestPutNilDocument(t *testing.T) {
	st := mustInitialize(t, testOptions(t))

	sess := st.NewSession()
	err := sess.RunBatch(func(acc *Accessor) error {
		return acc.Put("k", nil, docs.Metadata{})
	})
	if !IsUsage(err) {
		t.Errorf("Expected usage error for a nil document, got: %v", err)
	}
}

// TestBatchIsolation checks that staged writes are visible inside the batch
// but nothing is persisted when the unit of work fails.
func TestBatchIsolation(t *testing.T) {
	st := mustInitialize(t, testOptions(t))

	sess := st.NewSession()
	wantErr := fmt.Errorf("unit of work failed")

	err := sess.RunBatch(func(acc *Accessor) error {
		if err := acc.Put("users/1", docs.Document{"name": "alice"}, docs.Metadata{}); err != nil {
			return err
		}

		// the staged write is visible to this batch
		doc, _, ok, err := acc.Get("users/1")
		if err != nil || !ok || doc["name"] != "alice" {
			t.Errorf("Expected the staged write to be readable inside the batch, got %v (loaded=%v, err=%v)", doc, ok, err)
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("Expected the work error to propagate, got: %v", err)
	}

	if _, _, ok := getDoc(t, st, "users/1"); ok {
		t.Errorf("Expected nothing to persist from a failed batch")
	}
}

// --------------------------------------------------------------------------
// Nested Batches
// --------------------------------------------------------------------------

// TestNestedBatchReuse checks that a RunBatch inside an active batch joins
// the outer transaction instead of opening a second one.
func TestNestedBatchReuse(t *testing.T) {
	st := mustInitialize(t, testOptions(t))

	sess := st.NewSession()
	err := sess.RunBatch(func(outer *Accessor) error {
		if err := outer.Put("k", docs.Document{"from": "outer"}, docs.Metadata{}); err != nil {
			return err
		}

		return sess.RunBatch(func(inner *Accessor) error {
			if inner != outer {
				t.Errorf("Expected the nested batch to reuse the outer accessor")
			}
			// the outer batch's staged write is visible
			doc, _, ok, err := inner.Get("k")
			if err != nil || !ok || doc["from"] != "outer" {
				t.Errorf("Expected the outer staged write to be visible, got %v (loaded=%v, err=%v)", doc, ok, err)
			}
			return inner.Put("k2", docs.Document{"from": "inner"}, docs.Metadata{})
		})
	})
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}

	// both writes committed in the single outer transaction
	if _, _, ok := getDoc(t, st, "k"); !ok {
		t.Errorf("Expected the outer write to commit")
	}
	if _, _, ok := getDoc(t, st, "k2"); !ok {
		t.Errorf("Expected the inner write to commit")
	}
}

// TestNestedBatchErrorAborts checks that an error from a nested unit of work
// aborts the whole outer batch.
func TestNestedBatchErrorAborts(t *testing.T) {
	st := mustInitialize(t, testOptions(t))

	sess := st.NewSession()
	wantErr := fmt.Errorf("inner failure")

	err := sess.RunBatch(func(outer *Accessor) error {
		if err := outer.Put("k", docs.Document{"a": "b"}, docs.Metadata{}); err != nil {
			return err
		}
		return sess.RunBatch(func(*Accessor) error {
			return wantErr
		})
	})
	if err != wantErr {
		t.Fatalf("Expected the inner error to propagate, got: %v", err)
	}
	if _, _, ok := getDoc(t, st, "k"); ok {
		t.Errorf("Expected the aborted outer batch to persist nothing")
	}
}

// --------------------------------------------------------------------------
// Concurrency
// --------------------------------------------------------------------------

// TestWriteConflict races two sessions over the same key. The batch that
// commits second must fail with the distinguished conflict error and leave
// the winner's revision untouched.
func TestWriteConflict(t *testing.T) {
	st := mustInitialize(t, testOptions(t))
	putDoc(t, st, "counter", "", docs.Document{"value": "initial"})

	var (
		aStarted   = make(chan struct{})
		bCommitted = make(chan struct{})
	)

	go func() {
		// B waits until A holds its snapshot, then commits first
		<-aStarted
		sessB := st.NewSession()
		_ = sessB.RunBatch(func(acc *Accessor) error {
			return acc.Put("counter", docs.Document{"value": "from-b"}, docs.Metadata{})
		})
		close(bCommitted)
	}()

	sessA := st.NewSession()
	err := sessA.RunBatch(func(acc *Accessor) error {
		// touch the key first so the base revision is captured
		if err := acc.Put("counter", docs.Document{"value": "from-a"}, docs.Metadata{}); err != nil {
			return err
		}
		close(aStarted)
		<-bCommitted
		return nil
	})

	if !IsConflict(err) {
		t.Fatalf("Expected a conflict error for the losing batch, got: %v", err)
	}

	doc, _, ok := getDoc(t, st, "counter")
	if !ok || doc["value"] != "from-b" {
		t.Errorf("Expected the winner's revision to survive, got %v (loaded=%v)", doc, ok)
	}
}

// TestConflictRetrySucceeds checks the documented recovery path: rerunning
// the whole unit of work after a conflict commits cleanly.
func TestConflictRetrySucceeds(t *testing.T) {
	st := mustInitialize(t, testOptions(t))
	putDoc(t, st, "k", "", docs.Document{"v": "initial"})

	sess := st.NewSession()
	for attempt := 0; ; attempt++ {
		err := sess.RunBatch(func(acc *Accessor) error {
			if err := acc.Put("k", docs.Document{"v": "retried"}, docs.Metadata{}); err != nil {
				return err
			}
			if attempt == 0 {
				// sabotage the first attempt from a second session
				other := st.NewSession()
				return other.RunBatch(func(acc2 *Accessor) error {
					return acc2.Put("k", docs.Document{"v": "interloper"}, docs.Metadata{})
				})
			}
			return nil
		})
		if IsConflict(err) {
			continue
		}
		if err != nil {
			t.Fatalf("RunBatch failed: %v", err)
		}
		break
	}

	doc, _, _ := getDoc(t, st, "k")
	if doc["v"] != "retried" {
		t.Errorf("Expected the retried revision to win, got %v", doc)
	}
}

func TestBatchAfterShutdownIgnored(t *testing.T) {
	st := mustInitialize(t, testOptions(t))
	sess := st.NewSession()

	if err := st.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	ran := false
	err := sess.RunBatch(func(*Accessor) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Errorf("Expected a post-shutdown batch to be ignored, got: %v", err)
	}
	if ran {
		t.Errorf("Expected the unit of work not to run after shutdown")
	}
}

// --------------------------------------------------------------------------
// Post-Commit Callbacks
// --------------------------------------------------------------------------

// TestPostCommitOrdering checks that callbacks run after the state is
// durable, storage-wide hook first, then the batch's own callbacks in
// registration order.
func TestPostCommitOrdering(t *testing.T) {
	var order []string

	opts := testOptions(t)
	opts.OnCommit = func() { order = append(order, "hook") }
	st := mustInitialize(t, opts)

	sess := st.NewSession()
	err := sess.RunBatch(func(acc *Accessor) error {
		acc.RegisterPostCommit(func() {
			// the write is durable by the time callbacks fire
			if _, _, ok := getDoc(t, st, "k"); !ok {
				t.Errorf("Expected the committed write to be readable from a post-commit callback")
			}
			order = append(order, "first")
		})
		sess.RegisterPostCommit(func() { order = append(order, "second") })
		return acc.Put("k", docs.Document{"a": "b"}, docs.Metadata{})
	})
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}

	want := []string{"hook", "first", "second"}
	if len(order) != len(want) {
		t.Fatalf("Expected callback order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected callback order %v, got %v", want, order)
		}
	}
}

// TestPostCommitOutsideBatch checks that a callback registered without an
// active batch runs immediately.
func TestPostCommitOutsideBatch(t *testing.T) {
	st := mustInitialize(t, testOptions(t))
	sess := st.NewSession()

	ran := false
	sess.RegisterPostCommit(func() { ran = true })
	if !ran {
		t.Errorf("Expected the callback to run immediately outside a batch")
	}
}

func TestPostCommitSkippedOnFailure(t *testing.T) {
	st := mustInitialize(t, testOptions(t))
	sess := st.NewSession()

	ran := false
	_ = sess.RunBatch(func(acc *Accessor) error {
		acc.RegisterPostCommit(func() { ran = true })
		return fmt.Errorf("abort")
	})
	if ran {
		t.Errorf("Expected callbacks of a failed batch to be dropped")
	}
}

// --------------------------------------------------------------------------
// Cache Bypass
// --------------------------------------------------------------------------

// TestSkipCachingScope checks the nesting semantics: the bypass holds until
// every acquisition has been released, and a release is idempotent.
func TestSkipCachingScope(t *testing.T) {
	st := mustInitialize(t, testOptions(t))
	sess := st.NewSession()

	if sess.cachingDisabled() {
		t.Fatalf("Expected caching to be enabled initially")
	}

	releaseOuter := sess.SkipCachingScope()
	releaseInner := sess.SkipCachingScope()
	if !sess.cachingDisabled() {
		t.Errorf("Expected caching to be disabled inside the scopes")
	}

	releaseInner()
	if !sess.cachingDisabled() {
		t.Errorf("Expected the outer scope to keep the bypass active")
	}

	// double release must not flip the state early
	releaseInner()
	if !sess.cachingDisabled() {
		t.Errorf("Expected a repeated release to be a no-op")
	}

	releaseOuter()
	if sess.cachingDisabled() {
		t.Errorf("Expected caching to be enabled after the last release")
	}
}

// TestSkipCachingScopeSuppressesPopulation checks that commits inside a
// bypass scope do not land in the document cache.
func TestSkipCachingScopeSuppressesPopulation(t *testing.T) {
	st := mustInitialize(t, testOptions(t))
	sess := st.NewSession()

	release := sess.SkipCachingScope()
	if err := sess.RunBatch(func(acc *Accessor) error {
		return acc.Put("bulk/1", docs.Document{"a": "b"}, docs.Metadata{})
	}); err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}
	release()

	// read the committed stamp straight from the engine so no read-through
	// can populate the entry first
	var etag docs.ETag
	if err := st.eng.View(func(tx engine.Tx) error {
		raw, ok := tx.Get(tableDocuments, "bulk/1")
		if !ok {
			t.Fatalf("Expected the document to be persisted regardless of the bypass")
		}
		var err error
		etag, err = docs.PeekETag(raw)
		return err
	}); err != nil {
		t.Fatalf("engine read failed: %v", err)
	}

	if _, _, cached := st.cache.Get("bulk/1", etag); cached {
		t.Errorf("Expected the bypassed commit not to populate the cache")
	}
}

func TestActiveBatches(t *testing.T) {
	st := mustInitialize(t, testOptions(t))

	if n := st.ActiveBatches(); n != 0 {
		t.Fatalf("Expected no active batches, got %d", n)
	}

	sess := st.NewSession()
	_ = sess.RunBatch(func(*Accessor) error {
		if n := st.ActiveBatches(); n != 1 {
			t.Errorf("Expected one active batch inside the unit of work, got %d", n)
		}
		return nil
	})

	if n := st.ActiveBatches(); n != 0 {
		t.Errorf("Expected no active batches after commit, got %d", n)
	}
}
