package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/docDB/lib/cache"
	"github.com/ValentinKolb/docDB/lib/docs"
	"github.com/ValentinKolb/docDB/lib/engine"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("storage")

// --------------------------------------------------------------------------
// Storage Handle
// --------------------------------------------------------------------------

// Storage is the process-wide handle to one database instance. It owns the
// database file lifecycle, the batch execution engine, the document cache
// and the schema version of the attached file.
//
// Lifecycle: New -> Initialize -> (batches) -> Shutdown. Initialize and
// Shutdown run exactly once; everything else is safe for concurrent use.
type Storage struct {
	prefix string // unique instance prefix, disambiguates instances in one process
	opts   Options

	// set by Initialize
	eng     engine.Engine
	cache   cache.ICache
	codec   docs.ICodec
	uuidGen func() uuid.UUID
	etags   *docs.ETagSource

	// guard is the shared/exclusive permit: batches hold the shared side,
	// teardown takes the exclusive side, so no batch begins or continues
	// once teardown has started.
	guard       sync.RWMutex
	closed      bool
	initialized bool

	// identity of the attached database
	idMu sync.Mutex
	id   uuid.UUID

	// active batches by session id, for diagnostics
	active     *xsync.MapOf[uint64, *Batch]
	sessionIDs atomic.Uint64

	sizeWarnOnce     sync.Once
	verStoreWarnOnce sync.Once
}

var (
	mBatchesCommitted = metrics.GetOrCreateCounter("docdb_batches_committed_total")
	mWriteConflicts   = metrics.GetOrCreateCounter("docdb_write_conflicts_total")
)

// New creates a storage handle for the given options. No file is touched
// until Initialize is called.
func New(opts Options) *Storage {
	s := &Storage{
		prefix: fmt.Sprintf("docdb-%s", uuid.New().String()[:8]),
		opts:   opts.withDefaults(),
		active: xsync.NewMapOf[uint64, *Batch](),
	}

	// Last-resort safety net: if the handle is dropped without Shutdown the
	// runtime's finalization releases the engine abruptly. This is misuse,
	// not a normal path, and is logged as such.
	runtime.SetFinalizer(s, func(leaked *Storage) {
		leaked.emergencyShutdown()
	})

	return s
}

// Prefix returns the generated unique instance prefix.
func (s *Storage) Prefix() string {
	return s.prefix
}

// --------------------------------------------------------------------------
// Initialize
// --------------------------------------------------------------------------

// Initialize performs crash recovery, attaches or creates the database file,
// migrates the schema forward and prepares the document cache. It returns
// whether the database file was newly created.
//
// uuidGen generates the database identity for new files (nil = uuid.New),
// codec decodes document bodies (nil = JSON).
func (s *Storage) Initialize(uuidGen func() uuid.UUID, codec docs.ICodec) (bool, error) {
	s.guard.Lock()
	defer s.guard.Unlock()

	if s.initialized {
		return false, NewError(RetCUsage, "storage already initialized")
	}
	if s.closed {
		return false, NewError(RetCShutdown, "storage already shut down")
	}

	if uuidGen == nil {
		uuidGen = uuid.New
	}
	if codec == nil {
		codec = docs.NewJSONCodec()
	}
	s.uuidGen = uuidGen
	s.codec = codec
	s.etags = docs.NewETagSource()

	// Crash recovery must run before any attach: attaching an inconsistent
	// file set is undefined. At startup no compaction can be in flight, so a
	// leftover side path is always stale here.
	if err := recoverPendingRename(s.opts.Path); err != nil {
		return false, err
	}
	if err := removeStaleSidePath(s.opts.Path); err != nil {
		return false, err
	}

	created, err := s.attach()
	if err != nil {
		return false, err
	}

	if err := s.bootstrap(created); err != nil {
		_ = s.eng.Close()
		s.eng = nil
		return false, err
	}

	if err := s.runSchemaChain(s.opts.SchemaVersion); err != nil {
		_ = s.eng.Close()
		s.eng = nil
		return false, err
	}

	c, err := cache.New(s.opts.Cache)
	if err != nil {
		_ = s.eng.Close()
		s.eng = nil
		return false, WrapError(RetCInternalError, "create document cache", err)
	}
	s.cache = c

	s.registerGauges()
	s.initialized = true

	log.Infof("%s: initialized %s (created=%v, codec=%s, cacheSize=%dMB, versionPageLimit=%d)",
		s.prefix, s.opts.Path, created, codec.Name(),
		s.opts.Engine.CacheSizeMB, s.opts.Engine.VersionPageLimit)

	return created, nil
}

// attach opens the engine, running the dirty-shutdown repair pass at most once.
func (s *Storage) attach() (bool, error) {
	eng := s.opts.EngineFactory(s.opts.Engine)
	created, err := eng.Open(s.opts.Path)

	if err != nil && errors.Is(err, engine.ErrDirty) {
		log.Warningf("%s: dirty shutdown detected on %s, running repair pass", s.prefix, s.opts.Path)
		if repairErr := eng.Repair(s.opts.Path); repairErr != nil {
			// repair failed, the original attach error propagates
			return false, WrapError(RetCInternalError,
				fmt.Sprintf("attach %s (repair pass failed: %v)", s.opts.Path, repairErr), err)
		}
		created, err = eng.Open(s.opts.Path)
	}

	if err != nil {
		if errors.Is(err, engine.ErrPermission) {
			return false, WrapError(RetCPermission,
				fmt.Sprintf("cannot open or create %s, check file and directory permissions of the data directory", s.opts.Path), err)
		}
		return false, WrapError(RetCInternalError, fmt.Sprintf("attach %s", s.opts.Path), err)
	}

	s.eng = eng
	return created, nil
}

// bootstrap creates the core tables, reads or creates the identity record
// and seeds the version-stamp source.
func (s *Storage) bootstrap(created bool) error {
	var details databaseDetails

	err := s.eng.Update(func(tx engine.Tx) error {
		for _, table := range []string{tableDocuments, tableSystem, tableVersions, tableCollections} {
			if err := tx.CreateTable(table); err != nil {
				return err
			}
		}

		raw, ok := tx.Get(tableSystem, keyDetails)
		if !ok {
			details = databaseDetails{ID: s.uuidGen(), SchemaVersion: s.opts.SchemaVersion}
			if err := tx.Put(tableSystem, keyDetails, encodeDetails(details)); err != nil {
				return err
			}
		} else {
			var err error
			details, err = decodeDetails(raw)
			if err != nil {
				return err
			}
		}

		if raw, ok := tx.Get(tableSystem, keyETag); ok && len(raw) == 8 {
			s.etags.Seed(docs.ETag(binary.BigEndian.Uint64(raw)))
		}
		if _, ok := tx.Get(tableSystem, keyDocCount); !ok {
			if err := tx.Put(tableSystem, keyDocCount, encodeUint64(0)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return WrapError(RetCInternalError, fmt.Sprintf("bootstrap %s", s.opts.Path), err)
	}

	s.id = details.ID
	return nil
}

// registerGauges exposes per-instance size gauges. GetOrCreate keeps repeated
// initializations of the same process from panicking.
func (s *Storage) registerGauges() {
	metrics.GetOrCreateGauge(fmt.Sprintf(`docdb_database_size_bytes{instance=%q}`, s.prefix), func() float64 {
		return float64(s.DatabaseSizeInBytes())
	})
	metrics.GetOrCreateGauge(fmt.Sprintf(`docdb_cache_size_bytes{instance=%q}`, s.prefix), func() float64 {
		return float64(s.CacheSizeInBytes())
	})
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// Shutdown releases all resources exactly once. It waits for in-flight
// batches to finish; batches attempted afterwards are ignored. Calling
// Shutdown again is a no-op.
func (s *Storage) Shutdown() error {
	s.guard.Lock()
	defer s.guard.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	runtime.SetFinalizer(s, nil)

	if !s.initialized {
		return nil
	}

	s.cache.Purge()
	s.cache.Close()

	err := s.eng.Close()
	if err != nil {
		return WrapError(RetCInternalError, fmt.Sprintf("shutdown %s", s.opts.Path), err)
	}

	log.Infof("%s: shut down %s", s.prefix, s.opts.Path)
	return nil
}

// emergencyShutdown is the abrupt termination path invoked by the runtime's
// finalization when Shutdown was never called.
func (s *Storage) emergencyShutdown() {
	s.guard.Lock()
	defer s.guard.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	log.Errorf("%s: storage handle for %s was dropped without Shutdown, releasing resources abruptly", s.prefix, s.opts.Path)
	if s.initialized {
		s.cache.Close()
		_ = s.eng.Close()
	}
}

// --------------------------------------------------------------------------
// Identity
// --------------------------------------------------------------------------

// DatabaseID returns the persisted identity of the attached database.
func (s *Storage) DatabaseID() uuid.UUID {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return s.id
}

// ChangeIdentity rotates the persisted database identity and returns the new
// one. The mutation happens inside a transaction.
func (s *Storage) ChangeIdentity() (uuid.UUID, error) {
	s.guard.RLock()
	defer s.guard.RUnlock()

	if s.closed || !s.initialized {
		return uuid.UUID{}, NewError(RetCShutdown, "storage is not open")
	}

	newID := s.uuidGen()
	err := s.eng.Update(func(tx engine.Tx) error {
		raw, ok := tx.Get(tableSystem, keyDetails)
		if !ok {
			return fmt.Errorf("identity record missing")
		}
		details, err := decodeDetails(raw)
		if err != nil {
			return err
		}
		details.ID = newID
		return tx.Put(tableSystem, keyDetails, encodeDetails(details))
	})
	if err != nil {
		return uuid.UUID{}, WrapError(RetCInternalError, "change identity", err)
	}

	s.idMu.Lock()
	s.id = newID
	s.idMu.Unlock()

	log.Infof("%s: database identity changed to %s", s.prefix, newID)
	return newID, nil
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// DatabaseSizeInBytes returns the size of the database file, or -1 if the
// counter is unavailable (logged once, never an error).
func (s *Storage) DatabaseSizeInBytes() int64 {
	s.guard.RLock()
	defer s.guard.RUnlock()

	if s.closed || !s.initialized {
		return -1
	}
	size, err := s.eng.SizeInBytes()
	if err != nil {
		s.sizeWarnOnce.Do(func() {
			log.Warningf("%s: database size unavailable: %v", s.prefix, err)
		})
		return -1
	}
	return size
}

// CacheSizeInBytes returns the estimated size of the document cache, or -1
// if the counter is unavailable.
func (s *Storage) CacheSizeInBytes() int64 {
	s.guard.RLock()
	defer s.guard.RUnlock()

	if s.closed || !s.initialized {
		return -1
	}
	return s.cache.SizeInBytes()
}

// TransactionVersionStoreSizeInBytes returns the estimated size of the
// version store, or -1 if the engine cannot tell (logged once).
func (s *Storage) TransactionVersionStoreSizeInBytes() int64 {
	s.guard.RLock()
	defer s.guard.RUnlock()

	if s.closed || !s.initialized {
		return -1
	}
	if !s.eng.SupportsFeature(engine.FeatureTableSize) {
		s.verStoreWarnOnce.Do(func() {
			log.Warningf("%s: version store size unavailable, engine does not report table sizes", s.prefix)
		})
		return -1
	}

	var size int64 = -1
	err := s.eng.View(func(tx engine.Tx) error {
		size = tx.TableSize(tableVersions)
		return nil
	})
	if err != nil {
		s.verStoreWarnOnce.Do(func() {
			log.Warningf("%s: version store size unavailable: %v", s.prefix, err)
		})
		return -1
	}
	return size
}

// SchemaVersion returns the schema tag of the attached database.
func (s *Storage) SchemaVersion() string {
	return s.opts.SchemaVersion
}

// --------------------------------------------------------------------------
// Identity Record Codec
// --------------------------------------------------------------------------

// databaseDetails is the single-row metadata record of a database file.
type databaseDetails struct {
	ID            uuid.UUID
	SchemaVersion string
}

func encodeDetails(d databaseDetails) []byte {
	out := make([]byte, 16+len(d.SchemaVersion))
	copy(out[:16], d.ID[:])
	copy(out[16:], d.SchemaVersion)
	return out
}

func decodeDetails(raw []byte) (databaseDetails, error) {
	if len(raw) < 16 {
		return databaseDetails{}, fmt.Errorf("identity record too short (%d bytes)", len(raw))
	}
	id, err := uuid.FromBytes(raw[:16])
	if err != nil {
		return databaseDetails{}, fmt.Errorf("identity record: %w", err)
	}
	return databaseDetails{ID: id, SchemaVersion: string(raw[16:])}, nil
}

func encodeUint64(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

func decodeUint64(raw []byte) uint64 {
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}
