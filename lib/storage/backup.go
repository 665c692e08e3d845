package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ValentinKolb/docDB/lib/docs"
	"github.com/ValentinKolb/docDB/lib/engine"
)

// --------------------------------------------------------------------------
// Backup
// --------------------------------------------------------------------------

// backupManifest is written next to the backed-up database file.
type backupManifest struct {
	DatabaseID string        `json:"database_id"`
	ETag       docs.ETag     `json:"etag"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   string        `json:"duration"`
	Metadata   docs.Document `json:"metadata,omitempty"`
}

const backupManifestName = "backup.json"

// Backup streams a consistent copy of the database into targetDir. The work
// is enqueued and runs asynchronously; completion and failure are logged,
// the caller fires and forgets.
//
// With incremental set, the backup is skipped when no write committed since
// the last recorded backup. metadata is stored in the backup manifest.
func (s *Storage) Backup(targetDir string, incremental bool, metadata docs.Document) {
	// The shared permit is taken at enqueue time and released by the worker
	// goroutine, so a Shutdown issued right after Backup still waits for the
	// copy. RWMutex read locks are not goroutine-bound.
	s.guard.RLock()

	if s.closed || !s.initialized {
		s.guard.RUnlock()
		log.Warningf("%s: backup to %s skipped, storage is not open", s.prefix, targetDir)
		return
	}

	go s.runBackup(targetDir, incremental, metadata)
}

func (s *Storage) runBackup(targetDir string, incremental bool, metadata docs.Document) {
	defer s.guard.RUnlock()

	started := time.Now()
	current := s.etags.Current()

	if incremental {
		var last docs.ETag
		_ = s.eng.View(func(tx engine.Tx) error {
			if raw, ok := tx.Get(tableSystem, keyBackupETag); ok {
				last = docs.ETag(decodeUint64(raw))
			}
			return nil
		})
		if last == current {
			log.Infof("%s: incremental backup to %s skipped, no writes since etag %s", s.prefix, targetDir, last)
			return
		}
	}

	if err := s.writeBackup(targetDir, metadata, started, current); err != nil {
		log.Errorf("%s: backup to %s failed: %v", s.prefix, targetDir, err)
		return
	}

	// record the high-water mark for the next incremental run
	if err := s.eng.Update(func(tx engine.Tx) error {
		return tx.Put(tableSystem, keyBackupETag, encodeUint64(uint64(current)))
	}); err != nil {
		log.Warningf("%s: backup succeeded but recording the backup etag failed: %v", s.prefix, err)
	}

	log.Infof("%s: backup to %s finished in %s", s.prefix, targetDir, time.Since(started))
}

func (s *Storage) writeBackup(targetDir string, metadata docs.Document, started time.Time, current docs.ETag) error {
	if err := os.MkdirAll(targetDir, 0700); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}

	dst := filepath.Join(targetDir, filepath.Base(s.opts.Path))
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}
	if _, err := s.eng.WriteTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("stream database: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close backup file: %w", err)
	}

	manifest := backupManifest{
		DatabaseID: s.DatabaseID().String(),
		ETag:       current,
		StartedAt:  started.UTC(),
		Duration:   time.Since(started).String(),
		Metadata:   metadata,
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode backup manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(targetDir, backupManifestName), raw, 0600); err != nil {
		return fmt.Errorf("write backup manifest: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Restore
// --------------------------------------------------------------------------

// RestoreConfig configures a restore from a backup directory.
type RestoreConfig struct {
	// SourceDir is the backup directory.
	SourceDir string
	// TargetDir receives the restored database file.
	TargetDir string
	// DatabaseFileName inside both directories ("" = DefaultDatabaseFileName).
	DatabaseFileName string
	// Progress receives human-readable progress messages (nil = none).
	Progress func(msg string)
	// Defragment compacts the restored file before handing it over.
	Defragment bool
	// EngineFactory creates the engine used for verification and
	// defragmentation (nil = bolt).
	EngineFactory engine.Factory
}

// Restore copies a backed-up database file into targetDir, optionally
// defragments it and verifies that the result attaches cleanly. The restored
// file is ready for Initialize afterwards.
func Restore(cfg RestoreConfig) error {
	if cfg.DatabaseFileName == "" {
		cfg.DatabaseFileName = DefaultDatabaseFileName
	}
	if cfg.EngineFactory == nil {
		cfg.EngineFactory = defaultEngineFactory()
	}
	progress := cfg.Progress
	if progress == nil {
		progress = func(string) {}
	}

	src := filepath.Join(cfg.SourceDir, cfg.DatabaseFileName)
	dst := filepath.Join(cfg.TargetDir, cfg.DatabaseFileName)

	progress(fmt.Sprintf("copying %s to %s", src, dst))
	if err := copyFile(src, dst); err != nil {
		return WrapError(RetCInternalError, fmt.Sprintf("restore %s", src), err)
	}

	if cfg.Defragment {
		progress("defragmenting restored database")
		if err := Compact(CompactConfig{Path: dst, EngineFactory: cfg.EngineFactory}); err != nil {
			return err
		}
	}

	progress("verifying restored database")
	scratch := cfg.EngineFactory(engine.Options{ReadOnly: true})
	if _, err := scratch.Open(dst); err != nil {
		return WrapError(RetCInternalError, fmt.Sprintf("restored database %s does not attach", dst), err)
	}
	if err := scratch.Close(); err != nil {
		return WrapError(RetCInternalError, "detach restored database", err)
	}

	progress("restore complete")
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
