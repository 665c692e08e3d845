package docs

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// On-Disk Envelope
// --------------------------------------------------------------------------

// The envelope is the binary record stored per document row:
//
//	byte 0        format version
//	byte 1        flags (optional field presence)
//	bytes 2..9    etag, big endian
//	[meta]        uint32 length + metadata (always JSON, codec independent)
//	[body]        uint32 length + codec-encoded body
//
// Metadata is encoded independent of the body codec so the etag and the
// collection can be read without knowing the codec (index rebuilds, schema
// upgrades, cache key checks).

const envelopeVersion byte = 1

// Bit flags to indicate which optional fields are present
const (
	hasMeta byte = 1 << 0
	hasBody byte = 1 << 1
)

const envelopeHeaderSize = 2 + 8

// EncodeEnvelope serializes one document revision into its on-disk record.
func EncodeEnvelope(codec ICodec, doc Document, meta Metadata) ([]byte, error) {
	var (
		metaBytes []byte
		bodyBytes []byte
		err       error
	)

	metaBytes, err = json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("docs: encode metadata for %q: %w", meta.Key, err)
	}
	if doc != nil {
		bodyBytes, err = codec.Encode(doc)
		if err != nil {
			return nil, fmt.Errorf("docs: encode body for %q: %w", meta.Key, err)
		}
	}

	// Calculate total size needed
	totalSize := envelopeHeaderSize + 4 + len(metaBytes)
	if doc != nil {
		totalSize += 4 + len(bodyBytes)
	}
	result := make([]byte, totalSize)

	result[0] = envelopeVersion

	var flags byte = hasMeta
	if doc != nil {
		flags |= hasBody
	}
	result[1] = flags

	binary.BigEndian.PutUint64(result[2:10], uint64(meta.ETag))

	pos := envelopeHeaderSize
	binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(metaBytes)))
	pos += 4
	copy(result[pos:pos+len(metaBytes)], metaBytes)
	pos += len(metaBytes)

	if doc != nil {
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(bodyBytes)))
		pos += 4
		copy(result[pos:pos+len(bodyBytes)], bodyBytes)
	}

	return result, nil
}

// DecodeEnvelope parses one on-disk record. The returned document and
// metadata share no state with raw.
func DecodeEnvelope(codec ICodec, raw []byte) (Document, Metadata, error) {
	meta, pos, err := decodeHeader(raw)
	if err != nil {
		return nil, Metadata{}, err
	}

	var doc Document
	if raw[1]&hasBody != 0 {
		if len(raw) < pos+4 {
			return nil, Metadata{}, fmt.Errorf("docs: envelope truncated at body length")
		}
		bodyLen := int(binary.BigEndian.Uint32(raw[pos : pos+4]))
		pos += 4
		if len(raw) < pos+bodyLen {
			return nil, Metadata{}, fmt.Errorf("docs: envelope truncated at body")
		}
		doc, err = codec.Decode(raw[pos : pos+bodyLen])
		if err != nil {
			return nil, Metadata{}, err
		}
	}

	return doc, meta, nil
}

// DecodeMetadata parses only the metadata of an on-disk record.
func DecodeMetadata(raw []byte) (Metadata, error) {
	meta, _, err := decodeHeader(raw)
	return meta, err
}

// PeekETag reads the version stamp of an on-disk record without decoding
// anything else.
func PeekETag(raw []byte) (ETag, error) {
	if len(raw) < envelopeHeaderSize {
		return 0, fmt.Errorf("docs: envelope too short (%d bytes)", len(raw))
	}
	if raw[0] != envelopeVersion {
		return 0, fmt.Errorf("docs: unknown envelope version %d", raw[0])
	}
	return ETag(binary.BigEndian.Uint64(raw[2:10])), nil
}

// decodeHeader validates the fixed header and decodes the metadata section.
// It returns the offset of the first byte after the metadata.
func decodeHeader(raw []byte) (Metadata, int, error) {
	if _, err := PeekETag(raw); err != nil {
		return Metadata{}, 0, err
	}
	if raw[1]&hasMeta == 0 {
		return Metadata{}, 0, fmt.Errorf("docs: envelope without metadata")
	}

	pos := envelopeHeaderSize
	if len(raw) < pos+4 {
		return Metadata{}, 0, fmt.Errorf("docs: envelope truncated at metadata length")
	}
	metaLen := int(binary.BigEndian.Uint32(raw[pos : pos+4]))
	pos += 4
	if len(raw) < pos+metaLen {
		return Metadata{}, 0, fmt.Errorf("docs: envelope truncated at metadata")
	}

	var meta Metadata
	if err := json.Unmarshal(raw[pos:pos+metaLen], &meta); err != nil {
		return Metadata{}, 0, fmt.Errorf("docs: decode metadata: %w", err)
	}
	return meta, pos + metaLen, nil
}
