package bolt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ValentinKolb/docDB/lib/engine"
	"github.com/lni/dragonboat/v4/logger"
	bbolt "go.etcd.io/bbolt"
)

var log = logger.GetLogger("engine")

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// engineTable is the engine-private bucket holding the clean-shutdown marker.
	engineTable = "__engine"
	// cleanKey is set to "1" on a clean Close and to "0" while the file is open.
	cleanKey = "clean"
	// indexTablePrefix marks tables that the repair pass is allowed to discard.
	indexTablePrefix = "index."

	defaultOpenTimeout = 5 * time.Second
	defaultFileMode    = 0600

	// defaultInitialMmapSize reserves enough address space that read
	// transactions do not block a growing write transaction's remap.
	// Costs virtual address space only, not resident memory.
	defaultInitialMmapSize = 1 << 30
)

// --------------------------------------------------------------------------
// Engine Implementation
// --------------------------------------------------------------------------

// boltEngine implements engine.Engine on top of go.etcd.io/bbolt.
// Tables map one-to-one onto root buckets.
type boltEngine struct {
	opts engine.Options

	mu   sync.Mutex
	db   *bbolt.DB
	path string
}

// New creates a new bolt engine instance with the specified options.
// The engine is not attached to any file until Open is called.
//
// Thread-safety: the returned engine is safe for concurrent use; bbolt
// serializes write transactions internally.
func New(opts engine.Options) engine.Engine {
	return &boltEngine{opts: opts}
}

// --------------------------------------------------------------------------
// Lifecycle (docu see engine/engine.go)
// --------------------------------------------------------------------------

func (e *boltEngine) Open(path string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db != nil {
		return false, fmt.Errorf("engine: already attached to %s", e.path)
	}

	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)

	db, err := openRaw(path, e.opts)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return false, fmt.Errorf("%w: %w", engine.ErrPermission, err)
		}
		return false, fmt.Errorf("engine: open %s: %w", path, err)
	}

	if !e.opts.ReadOnly {
		dirty, err := markOpen(db, created)
		if err != nil {
			_ = db.Close()
			return false, fmt.Errorf("engine: open %s: %w", path, err)
		}
		if dirty {
			_ = db.Close()
			return false, fmt.Errorf("engine: open %s: %w", path, engine.ErrDirty)
		}
		// Durability of the marker write above is guaranteed before deferred
		// sync is switched on.
		db.NoSync = e.opts.DeferredSync
	}

	e.db = db
	e.path = path
	return created, nil
}

func (e *boltEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db == nil {
		return nil
	}

	if !e.opts.ReadOnly {
		// The clean marker must hit the disk even when deferred sync is on.
		e.db.NoSync = false
		if err := e.db.Update(func(tx *bbolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists([]byte(engineTable))
			if err != nil {
				return err
			}
			return b.Put([]byte(cleanKey), []byte("1"))
		}); err != nil {
			log.Warningf("failed to persist clean-shutdown marker for %s: %v", e.path, err)
		}
	}

	err := e.db.Close()
	e.db = nil
	return err
}

// openRaw opens the bbolt file without any marker handling.
func openRaw(path string, opts engine.Options) (*bbolt.DB, error) {
	timeout := opts.OpenTimeout
	if timeout == 0 {
		timeout = defaultOpenTimeout
	}
	initialMmap := opts.CacheSizeMB << 20
	if initialMmap == 0 {
		initialMmap = defaultInitialMmapSize
	}
	return bbolt.Open(path, defaultFileMode, &bbolt.Options{
		Timeout:         timeout,
		ReadOnly:        opts.ReadOnly,
		InitialMmapSize: initialMmap,
	})
}

// markOpen inspects and rewrites the clean-shutdown marker. It returns true
// when the file was left open by a crashed process.
func markOpen(db *bbolt.DB, created bool) (dirty bool, err error) {
	if !created {
		err = db.View(func(tx *bbolt.Tx) error {
			b := tx.Bucket([]byte(engineTable))
			if b == nil {
				// File predates the marker protocol, assume clean.
				return nil
			}
			if string(b.Get([]byte(cleanKey))) != "1" {
				dirty = true
			}
			return nil
		})
		if err != nil || dirty {
			return dirty, err
		}
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(engineTable))
		if err != nil {
			return err
		}
		return b.Put([]byte(cleanKey), []byte("0"))
	})
	return false, err
}

// --------------------------------------------------------------------------
// Transactions (docu see engine/engine.go)
// --------------------------------------------------------------------------

func (e *boltEngine) View(fn func(tx engine.Tx) error) error {
	db, err := e.handle()
	if err != nil {
		return err
	}
	return db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (e *boltEngine) Update(fn func(tx engine.Tx) error) error {
	db, err := e.handle()
	if err != nil {
		return err
	}
	if e.opts.ReadOnly {
		return engine.ErrReadOnly
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (e *boltEngine) Snapshot() (engine.Tx, func(), error) {
	db, err := e.handle()
	if err != nil {
		return nil, nil, err
	}
	tx, err := db.Begin(false)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: begin snapshot: %w", err)
	}
	release := func() { _ = tx.Rollback() }
	return &boltTx{tx: tx}, release, nil
}

func (e *boltEngine) Sync() error {
	db, err := e.handle()
	if err != nil {
		return err
	}
	return db.Sync()
}

// handle returns the attached db or ErrClosed.
func (e *boltEngine) handle() (*bbolt.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil, engine.ErrClosed
	}
	return e.db, nil
}

// --------------------------------------------------------------------------
// Maintenance (docu see engine/engine.go)
// --------------------------------------------------------------------------

func (e *boltEngine) Repair(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db != nil {
		return fmt.Errorf("engine: repair requires a detached engine")
	}

	src, err := openRaw(path, engine.Options{OpenTimeout: e.opts.OpenTimeout})
	if err != nil {
		return fmt.Errorf("engine: repair open %s: %w", path, err)
	}

	tmpPath := path + ".repair"
	_ = os.Remove(tmpPath)
	dst, err := bbolt.Open(tmpPath, defaultFileMode, nil)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("engine: repair create %s: %w", tmpPath, err)
	}

	err = copySurviving(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = src.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("engine: repair %s: %w", path, err)
	}

	if err := src.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("engine: repair close source: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("engine: repair install: %w", err)
	}

	log.Infof("repaired %s after dirty shutdown (secondary index tables discarded)", path)
	return nil
}

// copySurviving copies all tables except discardable index tables into dst
// and installs a clean marker.
func copySurviving(dst, src *bbolt.DB) error {
	return dst.Update(func(dtx *bbolt.Tx) error {
		err := src.View(func(stx *bbolt.Tx) error {
			return stx.ForEach(func(name []byte, b *bbolt.Bucket) error {
				if len(name) > len(indexTablePrefix) && string(name[:len(indexTablePrefix)]) == indexTablePrefix {
					return nil
				}
				db, err := dtx.CreateBucketIfNotExists(name)
				if err != nil {
					return err
				}
				return b.ForEach(func(k, v []byte) error {
					return db.Put(k, v)
				})
			})
		})
		if err != nil {
			return err
		}
		b, err := dtx.CreateBucketIfNotExists([]byte(engineTable))
		if err != nil {
			return err
		}
		return b.Put([]byte(cleanKey), []byte("1"))
	})
}

func (e *boltEngine) CompactTo(dstPath string) error {
	db, err := e.handle()
	if err != nil {
		return err
	}
	dst, err := bbolt.Open(dstPath, defaultFileMode, nil)
	if err != nil {
		return fmt.Errorf("engine: compact open %s: %w", dstPath, err)
	}
	err = bbolt.Compact(dst, db, 0)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("engine: compact to %s: %w", dstPath, err)
	}
	return nil
}

func (e *boltEngine) WriteTo(w io.Writer) (int64, error) {
	db, err := e.handle()
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.View(func(tx *bbolt.Tx) error {
		var werr error
		n, werr = tx.WriteTo(w)
		return werr
	})
	return n, err
}

// --------------------------------------------------------------------------
// Introspection (docu see engine/engine.go)
// --------------------------------------------------------------------------

func (e *boltEngine) SizeInBytes() (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return 0, engine.ErrClosed
	}
	fi, err := os.Stat(e.path)
	if err != nil {
		return 0, fmt.Errorf("engine: stat %s: %w", e.path, err)
	}
	return fi.Size(), nil
}

func (e *boltEngine) Info() engine.Info {
	size, _ := e.SizeInBytes()
	return engine.Info{
		SizeBytes:  size,
		EngineType: engine.ImplBolt,
		Path:       e.path,
		SupportedFeatures: []engine.Feature{
			engine.FeatureSnapshot,
			engine.FeatureRepair,
			engine.FeatureCompact,
			engine.FeatureDeferredSync,
			engine.FeatureBackup,
			engine.FeatureTableSize,
		},
	}
}

func (e *boltEngine) SupportsFeature(feature engine.Feature) bool {
	supported := engine.FeatureSnapshot |
		engine.FeatureRepair |
		engine.FeatureCompact |
		engine.FeatureDeferredSync |
		engine.FeatureBackup |
		engine.FeatureTableSize
	return supported&feature == feature
}

// --------------------------------------------------------------------------
// Transaction Adapter
// --------------------------------------------------------------------------

// boltTx adapts *bbolt.Tx to engine.Tx.
type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) Get(table, key string) ([]byte, bool) {
	b := t.tx.Bucket([]byte(table))
	if b == nil {
		return nil, false
	}
	v := b.Get([]byte(key))
	if v == nil {
		return nil, false
	}
	// bbolt values are only valid for the life of the transaction,
	// hand out a copy instead.
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

func (t *boltTx) Put(table, key string, value []byte) error {
	if !t.tx.Writable() {
		return engine.ErrReadOnly
	}
	b, err := t.tx.CreateBucketIfNotExists([]byte(table))
	if err != nil {
		return err
	}
	return b.Put([]byte(key), value)
}

func (t *boltTx) Delete(table, key string) error {
	if !t.tx.Writable() {
		return engine.ErrReadOnly
	}
	b := t.tx.Bucket([]byte(table))
	if b == nil {
		return nil
	}
	return b.Delete([]byte(key))
}

func (t *boltTx) ForEach(table string, fn func(key, value []byte) error) error {
	b := t.tx.Bucket([]byte(table))
	if b == nil {
		return nil
	}
	return b.ForEach(fn)
}

func (t *boltTx) CreateTable(table string) error {
	if !t.tx.Writable() {
		return engine.ErrReadOnly
	}
	_, err := t.tx.CreateBucketIfNotExists([]byte(table))
	return err
}

func (t *boltTx) TableSize(table string) int64 {
	b := t.tx.Bucket([]byte(table))
	if b == nil {
		return 0
	}
	stats := b.Stats()
	return int64(stats.LeafInuse + stats.BranchInuse)
}
