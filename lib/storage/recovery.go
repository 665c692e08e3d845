package storage

import (
	"fmt"
	"os"
)

// --------------------------------------------------------------------------
// Startup Recovery
// --------------------------------------------------------------------------

// recoverPendingRename resolves the crash states a compaction can leave
// behind. The marker file next to the database fully determines the action:
//
//   - no marker: consistent, nothing to do
//   - marker and original exist: the compaction committed the rename but
//     crashed before deleting the marker -> delete the marker (forward
//     completion, idempotent)
//   - marker exists, original missing: the compaction renamed the original
//     away but crashed before installing the compacted copy -> rename the
//     marker back (rollback)
//
// Must run before any attach attempt; attaching an inconsistent file set is
// undefined.
func recoverPendingRename(path string) error {
	marker := path + markerSuffix

	if _, err := os.Stat(marker); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return WrapError(RetCInternalError, fmt.Sprintf("inspect compaction marker %s", marker), err)
	}

	_, err := os.Stat(path)
	switch {
	case err == nil:
		// forward completion
		if err := os.Remove(marker); err != nil {
			return WrapError(RetCInternalError, fmt.Sprintf("remove compaction marker %s", marker), err)
		}
		log.Warningf("recovered interrupted compaction of %s: compacted file was already installed, removed leftover marker", path)

	case os.IsNotExist(err):
		// rollback
		if err := os.Rename(marker, path); err != nil {
			return WrapError(RetCInternalError, fmt.Sprintf("restore %s from compaction marker", path), err)
		}
		log.Warningf("recovered interrupted compaction of %s: compacted file was never installed, restored original", path)

	default:
		return WrapError(RetCInternalError, fmt.Sprintf("inspect database file %s", path), err)
	}

	return nil
}

// removeStaleSidePath deletes a leftover compaction side path. Without this
// the O_EXCL claim refuses every future compaction of the file. Callers must
// be certain no compaction is in flight: either at startup, or after a
// marker recovery proved the previous compaction died mid-swap.
func removeStaleSidePath(path string) error {
	side := path + compactingSuffix

	if _, err := os.Stat(side); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return WrapError(RetCInternalError, fmt.Sprintf("inspect compaction side path %s", side), err)
	}
	if err := os.Remove(side); err != nil {
		return WrapError(RetCInternalError, fmt.Sprintf("remove stale compaction side path %s", side), err)
	}
	log.Warningf("recovered interrupted compaction of %s: removed stale side path %s", path, side)
	return nil
}
