package storage

import (
	"fmt"
	"os"
	"testing"

	"github.com/ValentinKolb/docDB/lib/docs"
)

// --------------------------------------------------------------------------
// Startup Recovery
// --------------------------------------------------------------------------

// newClosedDatabase builds a database file with one document and returns the
// options pointing at it, with no handle left open.
func newClosedDatabase(t *testing.T) Options {
	t.Helper()
	opts := testOptions(t)

	st := New(opts)
	if _, err := st.Initialize(nil, nil); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	putDoc(t, st, "users/1", "users", docs.Document{"name": "alice"})
	if err := st.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	return opts
}

// TestRecoveryForwardCompletion simulates a crash after the compacted copy
// was installed but before the marker was deleted: marker and database both
// exist. Recovery must delete the marker and keep the database.
func TestRecoveryForwardCompletion(t *testing.T) {
	opts := newClosedDatabase(t)
	marker := opts.Path + markerSuffix

	if err := os.WriteFile(marker, []byte("leftover"), 0600); err != nil {
		t.Fatalf("marker write failed: %v", err)
	}

	st := mustInitialize(t, opts)
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Errorf("Expected the leftover marker to be removed")
	}
	if _, _, ok := getDoc(t, st, "users/1"); !ok {
		t.Errorf("Expected the database to be intact after forward completion")
	}
}

// TestRecoveryRollback simulates a crash after the original was moved aside
// but before the compacted copy was installed: only the marker exists.
// Recovery must rename the marker back.
func TestRecoveryRollback(t *testing.T) {
	opts := newClosedDatabase(t)
	marker := opts.Path + markerSuffix

	if err := os.Rename(opts.Path, marker); err != nil {
		t.Fatalf("rename failed: %v", err)
	}

	st := mustInitialize(t, opts)
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Errorf("Expected the marker to be consumed by the rollback")
	}
	if _, _, ok := getDoc(t, st, "users/1"); !ok {
		t.Errorf("Expected the original database to be restored")
	}
}

// TestRecoveryIdempotent runs the recovery pass twice over the same crash
// state; the second pass must be a no-op.
func TestRecoveryIdempotent(t *testing.T) {
	opts := newClosedDatabase(t)
	marker := opts.Path + markerSuffix

	if err := os.Rename(opts.Path, marker); err != nil {
		t.Fatalf("rename failed: %v", err)
	}

	if err := recoverPendingRename(opts.Path); err != nil {
		t.Fatalf("first recovery pass failed: %v", err)
	}
	if err := recoverPendingRename(opts.Path); err != nil {
		t.Errorf("Expected the second recovery pass to be a no-op, got: %v", err)
	}

	st := mustInitialize(t, opts)
	if _, _, ok := getDoc(t, st, "users/1"); !ok {
		t.Errorf("Expected the database to be intact")
	}
}

func TestRecoveryNoMarker(t *testing.T) {
	opts := newClosedDatabase(t)
	if err := recoverPendingRename(opts.Path); err != nil {
		t.Errorf("Expected recovery without a marker to be a no-op, got: %v", err)
	}
}

// --------------------------------------------------------------------------
// Compaction
// --------------------------------------------------------------------------

func TestCompactRoundTrip(t *testing.T) {
	opts := testOptions(t)

	st := New(opts)
	if _, err := st.Initialize(nil, nil); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	sess := st.NewSession()
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("bulk/%d", i)
		if err := sess.RunBatch(func(acc *Accessor) error {
			return acc.Put(key, docs.Document{"i": i, "pad": string(make([]byte, 512))}, docs.Metadata{Collection: "bulk"})
		}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	// deletions create the free pages a compaction reclaims
	for i := 0; i < 150; i++ {
		key := fmt.Sprintf("bulk/%d", i)
		if err := sess.RunBatch(func(acc *Accessor) error {
			return acc.Delete(key)
		}); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
	}
	id := st.DatabaseID()
	if err := st.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	before, err := os.Stat(opts.Path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}

	if err := Compact(CompactConfig{Path: opts.Path}); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	after, err := os.Stat(opts.Path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if after.Size() > before.Size() {
		t.Errorf("Expected the compacted file not to grow, got %d -> %d bytes", before.Size(), after.Size())
	}
	if _, err := os.Stat(opts.Path + markerSuffix); !os.IsNotExist(err) {
		t.Errorf("Expected no marker to remain after a successful compaction")
	}
	if _, err := os.Stat(opts.Path + compactingSuffix); !os.IsNotExist(err) {
		t.Errorf("Expected the side path to be consumed by the swap")
	}

	// the surviving documents must be readable afterwards
	st2 := mustInitialize(t, opts)
	if st2.DatabaseID() != id {
		t.Errorf("Expected the identity to survive compaction")
	}
	for i := 150; i < 200; i++ {
		key := fmt.Sprintf("bulk/%d", i)
		if _, _, ok := getDoc(t, st2, key); !ok {
			t.Errorf("Expected %q to survive compaction", key)
		}
	}
	for i := 0; i < 150; i++ {
		key := fmt.Sprintf("bulk/%d", i)
		if _, _, ok := getDoc(t, st2, key); ok {
			t.Errorf("Expected deleted %q to stay gone after compaction", key)
		}
	}
}

func TestCompactMissingFile(t *testing.T) {
	opts := testOptions(t)
	if err := Compact(CompactConfig{Path: opts.Path}); err == nil {
		t.Errorf("Expected compaction of a missing file to fail")
	}
}

// TestRecoveryRemovesStaleSidePath checks that startup deletes a side path
// left behind by a compaction that crashed during the copy phase; it would
// otherwise block every future compaction's claim.
func TestRecoveryRemovesStaleSidePath(t *testing.T) {
	opts := newClosedDatabase(t)
	side := opts.Path + compactingSuffix

	if err := os.WriteFile(side, []byte("partial copy"), 0600); err != nil {
		t.Fatalf("side path write failed: %v", err)
	}

	st := mustInitialize(t, opts)
	if _, err := os.Stat(side); !os.IsNotExist(err) {
		t.Errorf("Expected the stale side path to be removed at startup")
	}
	if err := st.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if err := Compact(CompactConfig{Path: opts.Path}); err != nil {
		t.Errorf("Expected compaction to run after the cleanup, got: %v", err)
	}
}

// TestCompactRetryAfterInterruptedSwap simulates a crash right after swap
// step 1: the original was moved to the marker and the side path is still on
// disk. A retried compaction must roll back, discard the stale side path and
// complete.
func TestCompactRetryAfterInterruptedSwap(t *testing.T) {
	opts := newClosedDatabase(t)

	if err := os.Rename(opts.Path, opts.Path+markerSuffix); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if err := os.WriteFile(opts.Path+compactingSuffix, []byte("partial copy"), 0600); err != nil {
		t.Fatalf("side path write failed: %v", err)
	}

	if err := Compact(CompactConfig{Path: opts.Path}); err != nil {
		t.Fatalf("Expected the retried compaction to succeed, got: %v", err)
	}

	st := mustInitialize(t, opts)
	if _, _, ok := getDoc(t, st, "users/1"); !ok {
		t.Errorf("Expected the document to survive the recovered compaction")
	}
}

// TestCompactConcurrentClaim checks that a second compaction of the same file
// is refused while the side path exists.
func TestCompactConcurrentClaim(t *testing.T) {
	opts := newClosedDatabase(t)

	if err := os.WriteFile(opts.Path+compactingSuffix, nil, 0600); err != nil {
		t.Fatalf("claim write failed: %v", err)
	}
	if err := Compact(CompactConfig{Path: opts.Path}); !IsUsage(err) {
		t.Errorf("Expected a usage error for a concurrent compaction, got: %v", err)
	}
}
