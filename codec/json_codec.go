package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrInvalidMetadata is returned when metadata cannot be carried unchanged.
var ErrInvalidMetadata = errors.New("metadata is not valid UTF-8")

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing; content bytes are base64-expanded.
// JSON strings cannot hold arbitrary bytes, so metadata must be valid UTF-8.
type JSONCodec struct{}

func (c *JSONCodec) Encode(f *Frame) ([]byte, error) {
	for k, v := range f.Metadata {
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return nil, fmt.Errorf("json codec: entry %q: %w", k, ErrInvalidMetadata)
		}
	}
	return json.Marshal(f)
}

func (c *JSONCodec) Decode(data []byte, f *Frame) error {
	return json.Unmarshal(data, f)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
