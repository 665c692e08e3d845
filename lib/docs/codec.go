package docs

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Codec Interface
// --------------------------------------------------------------------------

// ICodec turns document bodies into bytes and back. Callers pick the codec
// at initialize time; all bodies of one database must use the same codec.
type ICodec interface {
	// Encode serializes a document body.
	Encode(doc Document) (data []byte, err error)
	// Decode deserializes a document body. The returned document shares no
	// state with the input slice.
	Decode(data []byte) (doc Document, err error)
	// Name returns a short identifier of the codec ("json", "gob").
	Name() string
}

// --------------------------------------------------------------------------
// JSON Codec
// --------------------------------------------------------------------------

// NewJSONCodec creates the default codec. Bodies round-trip through
// encoding/json, so numbers come back as float64.
func NewJSONCodec() ICodec {
	return &jsonCodecImpl{}
}

type jsonCodecImpl struct{}

func (c *jsonCodecImpl) Encode(doc Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("docs: json encode: %w", err)
	}
	return data, nil
}

func (c *jsonCodecImpl) Decode(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("docs: json decode: %w", err)
	}
	return doc, nil
}

func (c *jsonCodecImpl) Name() string { return "json" }

// --------------------------------------------------------------------------
// GOB Codec
// --------------------------------------------------------------------------

func init() {
	// register the container types gob meets inside interface values
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
	gob.Register(Document{})
}

// NewGOBCodec creates a codec using encoding/gob. Faster for large nested
// bodies, but the output is Go-specific.
func NewGOBCodec() ICodec {
	return &gobCodecImpl{}
}

type gobCodecImpl struct{}

func (c *gobCodecImpl) Encode(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(map[string]interface{}(doc)); err != nil {
		return nil, fmt.Errorf("docs: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *gobCodecImpl) Decode(data []byte) (Document, error) {
	var out map[string]interface{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&out); err != nil {
		return nil, fmt.Errorf("docs: gob decode: %w", err)
	}
	return Document(out), nil
}

func (c *gobCodecImpl) Name() string { return "gob" }
