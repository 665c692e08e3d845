package storage

import (
	"github.com/ValentinKolb/docDB/lib/cache"
	"github.com/ValentinKolb/docDB/lib/engine"
	"github.com/ValentinKolb/docDB/lib/engine/bolt"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

// Table names used by the storage core. Tables with the "index." prefix are
// rebuildable from primary data and may be discarded by the engine's repair
// pass.
const (
	tableDocuments   = "documents"
	tableSystem      = "system"
	tableVersions    = "versions"
	tableCollections = "index.collections"
)

// Keys in the system table.
const (
	keyDetails    = "details"
	keyETag       = "etag"
	keyDocCount   = "doc_count"
	keyBackupETag = "backup_etag"
)

const (
	// markerSuffix names the pending-compaction marker file next to the
	// database file. Its presence drives the startup recovery state machine.
	markerSuffix = ".RenameOp"

	// compactingSuffix names the side path a compaction writes its copy to.
	// There is exactly one side-path name per database file, which is what
	// keeps two compactions from running concurrently.
	compactingSuffix = ".compacting"

	// DefaultDatabaseFileName is the file name used by backup/restore when
	// none is configured.
	DefaultDatabaseFileName = "docdb.db"

	defaultVersionPageLimit = 512
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures a storage handle.
type Options struct {
	// Path of the database file.
	Path string

	// EngineFactory creates the underlying storage engine (nil = bolt).
	EngineFactory engine.Factory

	// Engine holds the options forwarded to the engine factory. DeferredSync
	// is derived from DeferredCommits, VersionPageLimit defaults to 512.
	Engine engine.Options

	// Cache configures the document cache.
	Cache cache.Options

	// DeferredCommits trades immediate durability for throughput: commits
	// are buffered and only forced to disk when a batch carried deferred
	// index work, on Sync, or on clean shutdown.
	DeferredCommits bool

	// SchemaVersion is the schema tag this build expects on disk
	// ("" = CurrentSchemaVersion). Overridable for tests.
	SchemaVersion string

	// Upgraders is the ordered schema upgrade registry, keyed by source
	// version (nil = DefaultUpgraders).
	Upgraders []ISchemaUpgrader

	// OnCommit is the storage-wide post-commit hook. It runs after every
	// successful batch commit, before the batch's own post-commit callbacks,
	// outside any lock.
	OnCommit func()
}

// DefaultOptions returns the default storage options for a database file.
func DefaultOptions(path string) Options {
	return Options{
		Path:          path,
		EngineFactory: bolt.New,
		Engine: engine.Options{
			VersionPageLimit:             defaultVersionPageLimit,
			DisableBackgroundMaintenance: true,
		},
		Cache:         cache.Options{},
		SchemaVersion: CurrentSchemaVersion,
	}
}

// defaultEngineFactory returns the engine used when none is configured.
func defaultEngineFactory() engine.Factory {
	return bolt.New
}

// withDefaults fills unset fields.
func (o Options) withDefaults() Options {
	if o.EngineFactory == nil {
		o.EngineFactory = defaultEngineFactory()
	}
	if o.SchemaVersion == "" {
		o.SchemaVersion = CurrentSchemaVersion
	}
	if o.Upgraders == nil {
		o.Upgraders = DefaultUpgraders()
	}
	if o.Engine.VersionPageLimit == 0 {
		o.Engine.VersionPageLimit = defaultVersionPageLimit
	}
	o.Engine.DeferredSync = o.DeferredCommits
	// background index-consistency cleanup stays off for deterministic behavior
	o.Engine.DisableBackgroundMaintenance = true
	return o
}
