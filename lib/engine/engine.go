package engine

import (
	"errors"
	"io"
	"time"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplBolt Implementation = "bolt"
)

// Feature represents engine features as bit flags
type Feature uint64

const (
	FeatureSnapshot     Feature = 1 << iota // Support for long-lived read snapshots
	FeatureRepair                           // Support for the dirty-shutdown repair pass
	FeatureCompact                          // Support for writing a compacted copy
	FeatureDeferredSync                     // Support for deferred durability with explicit Sync
	FeatureBackup                           // Support for streaming a consistent copy to a writer
	FeatureTableSize                        // Support for per-table size estimates
)

func (f Feature) String() string {
	switch f {
	case FeatureSnapshot:
		return "Snapshot"
	case FeatureRepair:
		return "Repair"
	case FeatureCompact:
		return "Compact"
	case FeatureDeferredSync:
		return "DeferredSync"
	case FeatureBackup:
		return "Backup"
	case FeatureTableSize:
		return "TableSize"
	default:
		return "Unknown"
	}
}

// Info describes the engine underlying a storage handle.
// It is not guaranteed that all fields are filled in or that the
// information is up-to-date!
type Info struct {
	SizeBytes         int64          `json:"size_bytes"`
	EngineType        Implementation `json:"engine_type"`
	Path              string         `json:"path"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// Options configures an engine instance before Open.
type Options struct {
	// CacheSizeMB is the page/block cache budget forwarded to the engine (0 = engine default).
	CacheSizeMB int
	// VersionPageLimit caps how many recent version-store entries the storage core retains.
	VersionPageLimit int
	// DeferredSync opens the engine without per-commit fsync. Durability is then
	// driven by explicit Sync calls.
	DeferredSync bool
	// ReadOnly attaches the file without write access.
	ReadOnly bool
	// DisableBackgroundMaintenance turns off any background index-consistency
	// cleanup the engine would otherwise run on its own schedule.
	DisableBackgroundMaintenance bool
	// OpenTimeout bounds how long Open waits for the file lock (0 = engine default).
	OpenTimeout time.Duration
}

// Factory is a function type that creates a new engine instance.
// This is used to abstract the creation of the engine from the storage core.
type Factory func(opts Options) Engine

// --------------------------------------------------------------------------
// Error Sentinels
// --------------------------------------------------------------------------

var (
	// ErrPermission is returned by Open when the database file cannot be
	// created or opened due to file permissions. It wraps os.ErrPermission
	// where possible so errors.Is(err, os.ErrPermission) also holds.
	ErrPermission = errors.New("engine: permission denied opening database file")

	// ErrDirty is returned by Open when the file shows an unclean close of the
	// previous process. The caller is expected to run Repair once and retry.
	ErrDirty = errors.New("engine: dirty shutdown detected")

	// ErrClosed is returned by operations on an engine that was already closed.
	ErrClosed = errors.New("engine: closed")

	// ErrReadOnly is returned by write operations on a read-only engine.
	ErrReadOnly = errors.New("engine: opened read-only")
)

// --------------------------------------------------------------------------
// Engine Interface
// --------------------------------------------------------------------------

// Engine defines the capability interface for the transactional storage engine
// underneath the storage core. The storage core never touches pages or index
// structures itself; everything flows through this interface.
// Implementations can vary in their feature support, which can be queried
// with SupportsFeature.
type Engine interface {

	// --------------------------------------------------------------------------
	// Lifecycle
	// --------------------------------------------------------------------------

	// Open attaches or creates the database file at path. The returned boolean
	// reports whether the file was newly created.
	// Errors: ErrPermission for permission failures, ErrDirty when the previous
	// process did not close the file cleanly (run Repair once and retry), any
	// other error for storage failures.
	Open(path string) (created bool, err error)

	// Close releases all engine resources. Closing an already closed engine
	// is a no-op.
	Close() (err error)

	// --------------------------------------------------------------------------
	// Transactions
	// --------------------------------------------------------------------------

	// View runs fn inside a read-only transaction.
	View(fn func(tx Tx) error) (err error)

	// Update runs fn inside a read-write transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	Update(fn func(tx Tx) error) (err error)

	// Snapshot begins a long-lived read-only transaction and returns it
	// together with a release function. The snapshot observes a stable view of
	// the database until released. The release function must be called exactly
	// once.
	Snapshot() (tx Tx, release func(), err error)

	// Sync forces all committed transactions to stable storage. Only
	// meaningful when the engine was opened with DeferredSync.
	Sync() (err error)

	// --------------------------------------------------------------------------
	// Maintenance
	// --------------------------------------------------------------------------

	// Repair rebuilds the database file at path in an isolated pass, keeping
	// document and system tables and discarding secondary-index tables. It is
	// invoked on a closed engine, once, after Open returned ErrDirty.
	Repair(path string) (err error)

	// CompactTo writes a compacted copy of the attached database to dstPath.
	// The engine should be attached read-only for this.
	CompactTo(dstPath string) (err error)

	// WriteTo streams a consistent copy of the database to w and returns the
	// number of bytes written.
	WriteTo(w io.Writer) (n int64, err error)

	// --------------------------------------------------------------------------
	// Introspection
	// --------------------------------------------------------------------------

	// SizeInBytes returns the size of the attached database file.
	SizeInBytes() (size int64, err error)

	// Info returns information about the engine instance.
	Info() (info Info)

	// SupportsFeature checks if the engine implementation supports the
	// specified feature. Multiple features can be checked at once using the
	// bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)
}

// --------------------------------------------------------------------------
// Transaction Interface
// --------------------------------------------------------------------------

// Tx is the surface exposed inside engine transactions. Tables are flat named
// key spaces; they are created lazily with CreateTable and otherwise read as
// empty.
//
// Thread-safety: a Tx must only be used by the goroutine that entered the
// transaction and never after the enclosing View/Update/Snapshot ends.
type Tx interface {
	// Get retrieves the value for an exact key in the given table.
	// The boolean return value indicates whether a value for the key was found.
	Get(table, key string) (value []byte, loaded bool)

	// Put inserts or updates a key-value pair in the given table.
	Put(table, key string, value []byte) (err error)

	// Delete removes a key from the given table. Deleting a missing key is
	// not an error.
	Delete(table, key string) (err error)

	// ForEach iterates all key-value pairs of the given table in key order.
	// Returning a non-nil error from fn stops the iteration.
	ForEach(table string, fn func(key, value []byte) error) (err error)

	// CreateTable creates the named table if it does not exist yet.
	// Only valid inside Update transactions.
	CreateTable(table string) (err error)

	// TableSize returns an estimate of the bytes used by the given table,
	// or a negative value if the engine cannot tell.
	TableSize(table string) (size int64)
}
