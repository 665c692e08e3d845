package cache

import (
	"time"

	"github.com/ValentinKolb/docDB/lib/docs"
	"github.com/VictoriaMetrics/metrics"
	"github.com/dgraph-io/ristretto/v2"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// ICache is the interface for the document cache. Entries are keyed by
// (document key, version stamp): a lookup with a stamp that is no longer
// current simply misses, stale entries are inert until evicted.
//
// Copy isolation: every value returned from or accepted into the cache is an
// independent deep copy. Callers can freely mutate what they get back.
type ICache interface {
	// Get returns copies of the cached document and metadata stored under
	// exactly (key, etag). The boolean reports whether the entry was found.
	Get(key string, etag docs.ETag) (doc docs.Document, meta docs.Metadata, loaded bool)

	// Set stores independent copies of doc and meta under (key, etag).
	Set(key string, etag docs.ETag, doc docs.Document, meta docs.Metadata)

	// Remove evicts the entry stored under (key, etag). A miss is not an error.
	Remove(key string, etag docs.ETag)

	// SizeInBytes returns a best-effort estimate of the cached bytes, or a
	// negative value if the underlying counters are unavailable.
	SizeInBytes() (size int64)

	// Purge drops all entries.
	Purge()

	// Close releases the cache resources. The cache must not be used afterwards.
	Close()
}

// Options configures the document cache.
type Options struct {
	// MaxSizeBytes bounds the total estimated cost of cached entries
	// (0 = default of 64 MB).
	MaxSizeBytes int64
	// TTL expires entries after the given duration (0 = no expiry).
	TTL time.Duration
}

const defaultMaxSizeBytes = 64 << 20

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

var (
	mHits   = metrics.GetOrCreateCounter("docdb_cache_hits_total")
	mMisses = metrics.GetOrCreateCounter("docdb_cache_misses_total")
)

// --------------------------------------------------------------------------
// Ristretto Implementation
// --------------------------------------------------------------------------

// entry is the immutable-at-rest cached pair.
type entry struct {
	doc  docs.Document
	meta docs.Metadata
}

type cacheImpl struct {
	cache *ristretto.Cache[string, *entry]
	ttl   time.Duration
}

// New creates a new document cache.
//
// Thread-safety: the returned cache is safe for concurrent use from multiple
// batch goroutines without external locking.
func New(opts Options) (ICache, error) {
	maxCost := opts.MaxSizeBytes
	if maxCost <= 0 {
		maxCost = defaultMaxSizeBytes
	}

	rc, err := ristretto.NewCache(&ristretto.Config[string, *entry]{
		// ristretto recommends ~10x the expected number of entries; assume
		// an average document around 1 KB
		NumCounters: maxCost / 1024 * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}

	return &cacheImpl{cache: rc, ttl: opts.TTL}, nil
}

// cacheKey builds the composite (document key, version stamp) cache key.
// The NUL separator cannot occur in version stamps, so keys never collide.
func cacheKey(key string, etag docs.ETag) string {
	return key + "\x00" + etag.String()
}

// --------------------------------------------------------------------------
// Interface Methods (docu see ICache)
// --------------------------------------------------------------------------

func (c *cacheImpl) Get(key string, etag docs.ETag) (docs.Document, docs.Metadata, bool) {
	e, ok := c.cache.Get(cacheKey(key, etag))
	if !ok || e == nil {
		mMisses.Inc()
		return nil, docs.Metadata{}, false
	}
	mHits.Inc()
	return e.doc.DeepCopy(), e.meta.DeepCopy(), true
}

func (c *cacheImpl) Set(key string, etag docs.ETag, doc docs.Document, meta docs.Metadata) {
	e := &entry{
		doc:  doc.DeepCopy(),
		meta: meta.DeepCopy(),
	}

	cost := estimateCost(doc) + int64(len(key)) + 64
	if c.ttl > 0 {
		c.cache.SetWithTTL(cacheKey(key, etag), e, cost, c.ttl)
	} else {
		c.cache.Set(cacheKey(key, etag), e, cost)
	}
	// ristretto applies sets through a buffer; wait here so a get right
	// after a set observes the entry
	c.cache.Wait()
}

func (c *cacheImpl) Remove(key string, etag docs.ETag) {
	c.cache.Del(cacheKey(key, etag))
}

func (c *cacheImpl) SizeInBytes() int64 {
	m := c.cache.Metrics
	if m == nil {
		return -1
	}
	// deleted entries are not tracked separately, this over-reports slightly
	return int64(m.CostAdded() - m.CostEvicted())
}

func (c *cacheImpl) Purge() {
	c.cache.Clear()
}

func (c *cacheImpl) Close() {
	c.cache.Close()
}

// --------------------------------------------------------------------------
// Cost Estimation
// --------------------------------------------------------------------------

// estimateCost approximates the in-memory size of a document body without
// serializing it.
func estimateCost(v interface{}) int64 {
	switch val := v.(type) {
	case docs.Document:
		return estimateCost(map[string]interface{}(val))
	case map[string]interface{}:
		var sum int64 = 48
		for k, inner := range val {
			sum += int64(len(k)) + 16 + estimateCost(inner)
		}
		return sum
	case []interface{}:
		var sum int64 = 24
		for _, inner := range val {
			sum += 16 + estimateCost(inner)
		}
		return sum
	case string:
		return int64(len(val)) + 16
	case []byte:
		return int64(len(val)) + 24
	default:
		return 16
	}
}
