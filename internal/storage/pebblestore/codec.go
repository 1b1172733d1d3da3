package pebblestore

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4"
)

// Offer documents are stored lz4-compressed when that wins. The first
// byte of a stored value tags the encoding; compressed values carry the
// uncompressed length so decoding allocates exactly once.
const (
	encodingRaw  = 0
	encodingLZ4  = 1
	minCompressSize = 128
)

func encodeDoc(doc []byte) []byte {
	if len(doc) < minCompressSize {
		out := make([]byte, 1+len(doc))
		out[0] = encodingRaw
		copy(out[1:], doc)
		return out
	}
	bound := lz4.CompressBlockBound(len(doc))
	buf := make([]byte, 1+4+bound)
	buf[0] = encodingLZ4
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(doc)))
	n, err := lz4.CompressBlock(doc, buf[5:], nil)
	if err != nil || n == 0 || n >= len(doc) {
		// Incompressible; store raw.
		out := make([]byte, 1+len(doc))
		out[0] = encodingRaw
		copy(out[1:], doc)
		return out
	}
	return buf[:5+n]
}

func decodeDoc(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("empty stored document")
	}
	switch value[0] {
	case encodingRaw:
		out := make([]byte, len(value)-1)
		copy(out, value[1:])
		return out, nil
	case encodingLZ4:
		if len(value) < 5 {
			return nil, fmt.Errorf("truncated compressed document")
		}
		size := binary.BigEndian.Uint32(value[1:5])
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(value[5:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("unknown document encoding %d", value[0])
	}
}
