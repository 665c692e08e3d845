package testing

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/docDB/lib/engine"
)

// EngineFactory is a function that creates a new instance of an engine
// implementation with the given options.
type EngineFactory func(opts engine.Options) engine.Engine

// RunEngineTests runs a comprehensive test suite for an engine implementation.
func RunEngineTests(t *testing.T, name string, factory EngineFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("OpenCreate", func(t *testing.T) {
			testOpenCreate(t, factory)
		})

		t.Run("PutGetDelete", func(t *testing.T) {
			testPutGetDelete(t, factory)
		})

		t.Run("Tables", func(t *testing.T) {
			testTables(t, factory)
		})

		t.Run("SnapshotIsolation", func(t *testing.T) {
			testSnapshotIsolation(t, factory)
		})

		t.Run("Persistence", func(t *testing.T) {
			testPersistence(t, factory)
		})

		t.Run("CloseIdempotent", func(t *testing.T) {
			testCloseIdempotent(t, factory)
		})

		t.Run("CompactTo", func(t *testing.T) {
			testCompactTo(t, factory)
		})

		t.Run("WriteTo", func(t *testing.T) {
			testWriteTo(t, factory)
		})

		t.Run("SizeInBytes", func(t *testing.T) {
			testSizeInBytes(t, factory)
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the engine supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, e engine.Engine, feature engine.Feature) {
	if !e.SupportsFeature(feature) {
		t.Skip()
	}
}

// mustOpen opens a fresh database file in a temp dir and fails the test on error
func mustOpen(t *testing.T, factory EngineFactory, opts engine.Options) (engine.Engine, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	e := factory(opts)
	created, err := e.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !created {
		t.Fatalf("Expected fresh file to report created=true")
	}
	return e, path
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testOpenCreate(t *testing.T, factory EngineFactory) {
	path := filepath.Join(t.TempDir(), "engine.db")

	e := factory(engine.Options{})
	created, err := e.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !created {
		t.Errorf("Expected created=true for a new file")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	e2 := factory(engine.Options{})
	created, err = e2.Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if created {
		t.Errorf("Expected created=false for an existing file")
	}
	defer e2.Close()
}

func testPutGetDelete(t *testing.T, factory EngineFactory) {
	e, _ := mustOpen(t, factory, engine.Options{})
	defer e.Close()

	testKey := "test-key"
	testValue := []byte("test-value")

	err := e.Update(func(tx engine.Tx) error {
		return tx.Put("documents", testKey, testValue)
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	err = e.View(func(tx engine.Tx) error {
		got, ok := tx.Get("documents", testKey)
		if !ok {
			t.Errorf("Expected key %s to exist after Put", testKey)
		}
		if !bytes.Equal(got, testValue) {
			t.Errorf("Expected value %s, got %s", testValue, got)
		}
		if _, ok := tx.Get("documents", "missing"); ok {
			t.Errorf("Expected missing key to report loaded=false")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}

	err = e.Update(func(tx engine.Tx) error {
		if err := tx.Delete("documents", testKey); err != nil {
			return err
		}
		// deleting a missing key must not error
		return tx.Delete("documents", "missing")
	})
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_ = e.View(func(tx engine.Tx) error {
		if _, ok := tx.Get("documents", testKey); ok {
			t.Errorf("Expected key %s to be gone after Delete", testKey)
		}
		return nil
	})
}

func testTables(t *testing.T, factory EngineFactory) {
	e, _ := mustOpen(t, factory, engine.Options{})
	defer e.Close()

	err := e.Update(func(tx engine.Tx) error {
		if err := tx.CreateTable("system"); err != nil {
			return err
		}
		for i := 0; i < 5; i++ {
			if err := tx.Put("a", fmt.Sprintf("key-%d", i), []byte("va")); err != nil {
				return err
			}
		}
		return tx.Put("b", "key", []byte("vb"))
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	_ = e.View(func(tx engine.Tx) error {
		// tables are independent key spaces
		if _, ok := tx.Get("b", "key-0"); ok {
			t.Errorf("Expected tables to be independent")
		}

		count := 0
		err := tx.ForEach("a", func(key, value []byte) error {
			count++
			return nil
		})
		if err != nil {
			t.Errorf("ForEach failed: %v", err)
		}
		if count != 5 {
			t.Errorf("Expected 5 entries in table a, got %d", count)
		}

		// iterating a missing table is a no-op
		if err := tx.ForEach("missing", func(key, value []byte) error {
			t.Errorf("Unexpected entry in missing table")
			return nil
		}); err != nil {
			t.Errorf("ForEach on missing table failed: %v", err)
		}
		return nil
	})
}

func testSnapshotIsolation(t *testing.T, factory EngineFactory) {
	e, _ := mustOpen(t, factory, engine.Options{})
	defer e.Close()

	requireFeature(t, e, engine.FeatureSnapshot)

	if err := e.Update(func(tx engine.Tx) error {
		return tx.Put("documents", "key", []byte("v1"))
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	snap, release, err := e.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	defer release()

	// commit a newer version while the snapshot is held
	if err := e.Update(func(tx engine.Tx) error {
		return tx.Put("documents", "key", []byte("v2"))
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, ok := snap.Get("documents", "key")
	if !ok || !bytes.Equal(got, []byte("v1")) {
		t.Errorf("Expected snapshot to observe v1, got %s (loaded=%v)", got, ok)
	}

	_ = e.View(func(tx engine.Tx) error {
		got, _ := tx.Get("documents", "key")
		if !bytes.Equal(got, []byte("v2")) {
			t.Errorf("Expected fresh read to observe v2, got %s", got)
		}
		return nil
	})
}

func testPersistence(t *testing.T, factory EngineFactory) {
	path := filepath.Join(t.TempDir(), "engine.db")

	e := factory(engine.Options{})
	if _, err := e.Open(path); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := e.Update(func(tx engine.Tx) error {
		return tx.Put("documents", "key", []byte("persisted"))
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	e2 := factory(engine.Options{})
	if _, err := e2.Open(path); err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer e2.Close()

	_ = e2.View(func(tx engine.Tx) error {
		got, ok := tx.Get("documents", "key")
		if !ok || !bytes.Equal(got, []byte("persisted")) {
			t.Errorf("Expected value to survive a clean close, got %s (loaded=%v)", got, ok)
		}
		return nil
	})
}

func testCloseIdempotent(t *testing.T, factory EngineFactory) {
	e, _ := mustOpen(t, factory, engine.Options{})

	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("Second Close must be a no-op, got: %v", err)
	}
	if err := e.View(func(tx engine.Tx) error { return nil }); err == nil {
		t.Errorf("Expected View on a closed engine to fail")
	}
}

func testCompactTo(t *testing.T, factory EngineFactory) {
	e, path := mustOpen(t, factory, engine.Options{})

	requireFeature(t, e, engine.FeatureCompact)

	if err := e.Update(func(tx engine.Tx) error {
		for i := 0; i < 100; i++ {
			if err := tx.Put("documents", fmt.Sprintf("key-%d", i), bytes.Repeat([]byte("x"), 512)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// attach read-only and write the compacted copy
	ro := factory(engine.Options{ReadOnly: true})
	if _, err := ro.Open(path); err != nil {
		t.Fatalf("ReadOnly open failed: %v", err)
	}
	dstPath := filepath.Join(filepath.Dir(path), "compacted.db")
	if err := ro.CompactTo(dstPath); err != nil {
		t.Fatalf("CompactTo failed: %v", err)
	}
	if err := ro.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c := factory(engine.Options{})
	if _, err := c.Open(dstPath); err != nil {
		t.Fatalf("Open of compacted copy failed: %v", err)
	}
	defer c.Close()

	_ = c.View(func(tx engine.Tx) error {
		count := 0
		_ = tx.ForEach("documents", func(key, value []byte) error {
			count++
			return nil
		})
		if count != 100 {
			t.Errorf("Expected 100 entries in compacted copy, got %d", count)
		}
		return nil
	})
}

func testWriteTo(t *testing.T, factory EngineFactory) {
	e, _ := mustOpen(t, factory, engine.Options{})
	defer e.Close()

	requireFeature(t, e, engine.FeatureBackup)

	if err := e.Update(func(tx engine.Tx) error {
		return tx.Put("documents", "key", []byte("value"))
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	var buf bytes.Buffer
	n, err := e.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if n <= 0 || int64(buf.Len()) != n {
		t.Errorf("Expected WriteTo to report the streamed byte count, got n=%d len=%d", n, buf.Len())
	}
}

func testSizeInBytes(t *testing.T, factory EngineFactory) {
	e, _ := mustOpen(t, factory, engine.Options{})
	defer e.Close()

	size, err := e.SizeInBytes()
	if err != nil {
		t.Fatalf("SizeInBytes failed: %v", err)
	}
	if size <= 0 {
		t.Errorf("Expected a positive database size, got %d", size)
	}
}
