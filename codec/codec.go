// Package codec serializes call content and whole envelopes.
//
// Two layers live here:
//
//   - content.go: Marshal/Unmarshal of an arbitrary registered value (including
//     nil) into the content bytes of an envelope.
//   - Codec: encoding of a Frame (content bytes + metadata) for the wire. The
//     transports pick one by CodecType.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

// Frame is the wire view of an envelope.
type Frame struct {
	Content  []byte            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Codec interface {
	Encode(f *Frame) ([]byte, error)
	Decode(data []byte, f *Frame) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseCodecType maps a configuration name to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "json":
		return CodecTypeJSON, nil
	case "binary", "":
		return CodecTypeBinary, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

func (t CodecType) String() string {
	if t == CodecTypeJSON {
		return "json"
	}
	return "binary"
}
