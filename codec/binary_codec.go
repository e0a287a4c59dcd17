package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// BinaryCodec writes a Frame as length-prefixed fields:
//
//	contentLen uint32 | content | pairCount uint16 | (keyLen uint16 | key | valLen uint32 | val)*
//
// Metadata keys are written in sorted order so equal frames encode to equal bytes.
type BinaryCodec struct{}

var errShortFrame = errors.New("BinaryCodec: frame truncated")

func (c *BinaryCodec) Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, errors.New("BinaryCodec: nil frame")
	}
	if len(f.Metadata) > 0xFFFF {
		return nil, fmt.Errorf("BinaryCodec: too many metadata entries (%d)", len(f.Metadata))
	}

	keys := make([]string, 0, len(f.Metadata))
	// Caculate the length of message
	total := 4 + len(f.Content) + 2
	for k, v := range f.Metadata {
		if len(k) > 0xFFFF {
			return nil, fmt.Errorf("BinaryCodec: metadata key too long (%d bytes)", len(k))
		}
		keys = append(keys, k)
		total += 2 + len(k) + 4 + len(v)
	}
	sort.Strings(keys)
	buf := make([]byte, total)

	offset := 0
	// Content length -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(f.Content)))
	offset += 4

	// Content -- n bytes
	copy(buf[offset:offset+len(f.Content)], f.Content)
	offset += len(f.Content)

	// Pair count -- 2 bytes
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(keys)))
	offset += 2

	for _, k := range keys {
		v := f.Metadata[k]
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(k)))
		offset += 2
		copy(buf[offset:offset+len(k)], k)
		offset += len(k)
		binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(v)))
		offset += 4
		copy(buf[offset:offset+len(v)], v)
		offset += len(v)
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, f *Frame) error {
	if f == nil {
		return errors.New("BinaryCodec: nil frame")
	}

	offset := 0
	take := func(n int) ([]byte, error) {
		if n < 0 || offset+n > len(data) {
			return nil, errShortFrame
		}
		b := data[offset : offset+n]
		offset += n
		return b, nil
	}

	// Read Content
	b, err := take(4)
	if err != nil {
		return err
	}
	contentLen := int(binary.BigEndian.Uint32(b))
	content, err := take(contentLen)
	if err != nil {
		return err
	}
	f.Content = nil
	if contentLen > 0 {
		f.Content = make([]byte, contentLen)
		copy(f.Content, content)
	}

	// Read Metadata
	b, err = take(2)
	if err != nil {
		return err
	}
	pairs := int(binary.BigEndian.Uint16(b))
	f.Metadata = make(map[string]string, pairs)
	for i := 0; i < pairs; i++ {
		if b, err = take(2); err != nil {
			return err
		}
		key, err := take(int(binary.BigEndian.Uint16(b)))
		if err != nil {
			return err
		}
		if b, err = take(4); err != nil {
			return err
		}
		val, err := take(int(binary.BigEndian.Uint32(b)))
		if err != nil {
			return err
		}
		f.Metadata[string(key)] = string(val)
	}
	if offset != len(data) {
		return fmt.Errorf("BinaryCodec: %d trailing bytes", len(data)-offset)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
