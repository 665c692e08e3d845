package docs

import (
	"time"
)

// --------------------------------------------------------------------------
// Document Type
// --------------------------------------------------------------------------

// Document is a parsed, JSON-shaped document body. Values are restricted to
// what the codecs produce: strings, bools, numbers, nil, []byte,
// []interface{} and nested map[string]interface{}.
type Document map[string]interface{}

// DeepCopy returns an independent copy of the document. Mutating the copy
// never affects the original and vice versa.
func (d Document) DeepCopy() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = deepCopyValue(inner)
		}
		return out
	case Document:
		return map[string]interface{}(val.DeepCopy())
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = deepCopyValue(inner)
		}
		return out
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out
	default:
		// scalars (string, bool, float64, int64, nil, time.Time) are
		// immutable value types
		return v
	}
}

// --------------------------------------------------------------------------
// Metadata Type
// --------------------------------------------------------------------------

// MetadataFlags represents per-document state bits persisted next to the body.
type MetadataFlags uint32

const (
	// FlagHasIndexEntries marks documents already covered by the secondary
	// collection index.
	FlagHasIndexEntries MetadataFlags = 1 << iota
)

// Metadata describes one revision of a document.
type Metadata struct {
	Key          string        `json:"key"`
	ETag         ETag          `json:"etag"`
	Collection   string        `json:"collection,omitempty"`
	LastModified time.Time     `json:"last_modified"`
	Flags        MetadataFlags `json:"flags,omitempty"`
}

// DeepCopy returns an independent copy of the metadata. Metadata holds only
// value types, a plain copy is sufficient; the method exists so call sites
// mirror the Document contract.
func (m Metadata) DeepCopy() Metadata {
	return m
}
