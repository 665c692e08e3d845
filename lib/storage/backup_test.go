package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/docDB/lib/docs"
)

// TestBackupAndRestore streams a backup of a live database, restores it into
// a fresh directory and verifies the restored copy attaches and serves the
// documents. Shutdown doubles as the synchronization point: it waits for the
// asynchronous backup worker to release its permit.
func TestBackupAndRestore(t *testing.T) {
	opts := testOptions(t)
	backupDir := filepath.Join(t.TempDir(), "backup")
	restoreDir := filepath.Join(t.TempDir(), "restored")

	st := New(opts)
	if _, err := st.Initialize(nil, nil); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	putDoc(t, st, "users/1", "users", docs.Document{"name": "alice"})
	putDoc(t, st, "users/2", "users", docs.Document{"name": "bob"})
	id := st.DatabaseID()

	st.Backup(backupDir, false, docs.Document{"reason": "pre-upgrade"})
	if err := st.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// database copy and manifest are in place
	if _, err := os.Stat(filepath.Join(backupDir, DefaultDatabaseFileName)); err != nil {
		t.Fatalf("Expected the backup to contain the database file: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(backupDir, backupManifestName))
	if err != nil {
		t.Fatalf("Expected a backup manifest: %v", err)
	}
	var manifest backupManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		t.Fatalf("manifest decode failed: %v", err)
	}
	if manifest.DatabaseID != id.String() {
		t.Errorf("Expected manifest identity %s, got %s", id, manifest.DatabaseID)
	}
	if manifest.ETag == 0 {
		t.Errorf("Expected the manifest to record the backup etag")
	}
	if manifest.Metadata["reason"] != "pre-upgrade" {
		t.Errorf("Expected caller metadata in the manifest, got %v", manifest.Metadata)
	}

	if err := Restore(RestoreConfig{
		SourceDir: backupDir,
		TargetDir: restoreDir,
	}); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	restored := mustInitialize(t, DefaultOptions(filepath.Join(restoreDir, DefaultDatabaseFileName)))
	if restored.DatabaseID() != id {
		t.Errorf("Expected the restored database to keep its identity")
	}
	for _, key := range []string{"users/1", "users/2"} {
		if _, _, ok := getDoc(t, restored, key); !ok {
			t.Errorf("Expected %q to be readable from the restored database", key)
		}
	}
}

func TestRestoreWithDefragment(t *testing.T) {
	opts := testOptions(t)
	backupDir := filepath.Join(t.TempDir(), "backup")
	restoreDir := filepath.Join(t.TempDir(), "restored")

	st := New(opts)
	if _, err := st.Initialize(nil, nil); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	putDoc(t, st, "users/1", "users", docs.Document{"name": "alice"})
	st.Backup(backupDir, false, nil)
	if err := st.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	var messages []string
	if err := Restore(RestoreConfig{
		SourceDir:  backupDir,
		TargetDir:  restoreDir,
		Defragment: true,
		Progress:   func(msg string) { messages = append(messages, msg) },
	}); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if len(messages) == 0 {
		t.Errorf("Expected progress messages during restore")
	}

	restored := mustInitialize(t, DefaultOptions(filepath.Join(restoreDir, DefaultDatabaseFileName)))
	if _, _, ok := getDoc(t, restored, "users/1"); !ok {
		t.Errorf("Expected the defragmented restore to serve the document")
	}
}

// TestIncrementalBackupSkip checks that an incremental backup is skipped when
// no write committed since the recorded backup etag.
func TestIncrementalBackupSkip(t *testing.T) {
	opts := testOptions(t)
	dir1 := filepath.Join(t.TempDir(), "backup-1")
	dir2 := filepath.Join(t.TempDir(), "backup-2")
	dir3 := filepath.Join(t.TempDir(), "backup-3")

	st := New(opts)
	if _, err := st.Initialize(nil, nil); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	putDoc(t, st, "users/1", "users", docs.Document{"name": "alice"})
	st.Backup(dir1, false, nil)
	if err := st.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// no writes since the recorded etag: the incremental run is skipped
	st2 := New(opts)
	if _, err := st2.Initialize(nil, nil); err != nil {
		t.Fatalf("Reinitialize failed: %v", err)
	}
	st2.Backup(dir2, true, nil)
	if err := st2.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir2, DefaultDatabaseFileName)); !os.IsNotExist(err) {
		t.Errorf("Expected the incremental backup without new writes to be skipped")
	}

	// a new write makes the next incremental run real
	st3 := New(opts)
	if _, err := st3.Initialize(nil, nil); err != nil {
		t.Fatalf("Reinitialize failed: %v", err)
	}
	putDoc(t, st3, "users/2", "users", docs.Document{"name": "bob"})
	st3.Backup(dir3, true, nil)
	if err := st3.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir3, DefaultDatabaseFileName)); err != nil {
		t.Errorf("Expected the incremental backup after a write to run: %v", err)
	}
}

func TestBackupAfterShutdown(t *testing.T) {
	st := mustInitialize(t, testOptions(t))
	if err := st.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	dir := filepath.Join(t.TempDir(), "late")
	st.Backup(dir, false, nil)
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("Expected a backup after shutdown to be refused")
	}
}
