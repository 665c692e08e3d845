package storage

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/docDB/lib/engine"
)

// --------------------------------------------------------------------------
// Compaction
// --------------------------------------------------------------------------

// CompactConfig configures an explicit, administrator-invoked compaction of
// a database file.
type CompactConfig struct {
	// Path of the database file to compact.
	Path string

	// EngineFactory creates the scratch engine instance (nil = bolt).
	EngineFactory engine.Factory

	// Engine holds additional engine options for the scratch instance.
	Engine engine.Options
}

// Compact rewrites the database file at cfg.Path into a compacted copy and
// atomically swaps it in. It operates on a path, not an open handle.
//
// Precondition: no batches may be in flight against this database. That is
// an operational responsibility of the caller, not enforced by a lock here.
//
// The swap is three ordered filesystem operations, each of which leaves one
// of the two states recoverPendingRename resolves if the process crashes
// mid-sequence:
//
//  1. rename original -> marker
//  2. rename compacted copy -> original
//  3. delete marker
//
// A second concurrent compaction of the same file fails when claiming the
// single side-path name.
func Compact(cfg CompactConfig) error {
	if cfg.EngineFactory == nil {
		cfg.EngineFactory = defaultEngineFactory()
	}

	// resolve a previously interrupted compaction first
	marker := cfg.Path + markerSuffix
	_, markerErr := os.Stat(marker)
	if err := recoverPendingRename(cfg.Path); err != nil {
		return err
	}
	if markerErr == nil {
		// the marker proves the previous compaction died mid-swap, so its
		// side path cannot belong to a live run
		if err := removeStaleSidePath(cfg.Path); err != nil {
			return err
		}
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		return WrapError(RetCInternalError, fmt.Sprintf("compact %s", cfg.Path), err)
	}

	// claim the side path; O_EXCL refuses a concurrent compaction
	sidePath := cfg.Path + compactingSuffix
	claim, err := os.OpenFile(sidePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return NewError(RetCUsage, fmt.Sprintf("compaction of %s is already in progress (%s exists)", cfg.Path, sidePath))
		}
		return WrapError(RetCInternalError, fmt.Sprintf("claim compaction side path %s", sidePath), err)
	}
	_ = claim.Close()

	if err := writeCompactedCopy(cfg, sidePath); err != nil {
		_ = os.Remove(sidePath)
		return err
	}

	// the three-step atomic swap
	if err := os.Rename(cfg.Path, marker); err != nil {
		_ = os.Remove(sidePath)
		return WrapError(RetCInternalError, fmt.Sprintf("compact %s: move original aside", cfg.Path), err)
	}
	if err := os.Rename(sidePath, cfg.Path); err != nil {
		return WrapError(RetCInternalError, fmt.Sprintf("compact %s: install compacted copy", cfg.Path), err)
	}
	if err := os.Remove(marker); err != nil {
		return WrapError(RetCInternalError, fmt.Sprintf("compact %s: remove marker", cfg.Path), err)
	}

	log.Infof("compacted %s", cfg.Path)
	return nil
}

// writeCompactedCopy attaches the live database read-only through a scratch
// engine instance and writes the compacted copy to sidePath.
func writeCompactedCopy(cfg CompactConfig, sidePath string) error {
	opts := cfg.Engine
	opts.ReadOnly = true

	scratch := cfg.EngineFactory(opts)
	if _, err := scratch.Open(cfg.Path); err != nil {
		return WrapError(RetCInternalError, fmt.Sprintf("compact %s: attach read-only", cfg.Path), err)
	}

	err := scratch.CompactTo(sidePath)
	if cerr := scratch.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return WrapError(RetCInternalError, fmt.Sprintf("compact %s: write compacted copy", cfg.Path), err)
	}
	return nil
}
