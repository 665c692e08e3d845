package docs

import (
	"strconv"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Version Stamps
// --------------------------------------------------------------------------

// ETag is an opaque version stamp identifying one specific revision of a
// document. Stamps from one ETagSource are strictly increasing; two
// revisions of the same key never share a stamp.
type ETag uint64

func (e ETag) String() string {
	return strconv.FormatUint(uint64(e), 10)
}

// ETagSource hands out version stamps for committed writes. A storage handle
// owns exactly one source, seeded from the persisted high-water mark at
// initialize.
//
// Thread-safety: all methods are safe for concurrent use.
type ETagSource struct {
	last atomic.Uint64
}

// NewETagSource creates a source starting at zero. Use Seed to advance it to
// the persisted high-water mark.
func NewETagSource() *ETagSource {
	return &ETagSource{}
}

// Next returns the next unused version stamp.
func (s *ETagSource) Next() ETag {
	return ETag(s.last.Add(1))
}

// Current returns the last stamp handed out.
func (s *ETagSource) Current() ETag {
	return ETag(s.last.Load())
}

// Seed raises the source to at least stamp. Lower values are ignored so the
// stamp sequence stays monotonic.
func (s *ETagSource) Seed(stamp ETag) {
	for {
		cur := s.last.Load()
		if uint64(stamp) <= cur || s.last.CompareAndSwap(cur, uint64(stamp)) {
			return
		}
	}
}
