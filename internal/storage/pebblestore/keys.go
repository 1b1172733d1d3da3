package pebblestore

import "encoding/binary"

// Key layout. Every key starts with a one-byte kind tag followed by
// NUL-separated segments; org URLs and offer ids never contain NUL.
// Timestamps are big-endian so byte order matches numeric order.
//
//	kv   'k' host key                                   -> raw JSON
//	snap 's' host postingOrg offerID u64(updateUTC)     -> offer doc (codec)
//	cur  'c' host producerOrg                           -> latest corpus id
//	corp 'o' host producerOrg corpusID postingOrg offerID -> corpus offer rec
//	tl   't' host postingOrg offerID u64(start) seq     -> timeline entry rec
//	acc  'a' host u64(acceptedAt) seq                   -> acceptance rec
//	pmd  'p' host producerOrg                           -> producer metadata
//	koo  'g' host orgURL                                -> known offering org
const (
	kindKV          = 'k'
	kindSnapshot    = 's'
	kindCorpusCur   = 'c'
	kindCorpusOffer = 'o'
	kindTimeline    = 't'
	kindAcceptance  = 'a'
	kindProducerMD  = 'p'
	kindKnownOrg    = 'g'
)

const keySep = 0x00

func makeKey(kind byte, segments ...[]byte) []byte {
	n := 1
	for _, s := range segments {
		n += 1 + len(s)
	}
	out := make([]byte, 0, n)
	out = append(out, kind)
	for _, s := range segments {
		out = append(out, keySep)
		out = append(out, s...)
	}
	return out
}

func str(s string) []byte {
	return []byte(s)
}

func u64(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func decodeU64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// keyPrefix returns the prefix selecting every key below the given
// segments.
func keyPrefix(kind byte, segments ...[]byte) []byte {
	out := makeKey(kind, segments...)
	return append(out, keySep)
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// lastSegment returns the portion of key after the final separator.
func lastSegment(key []byte) []byte {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == keySep {
			return key[i+1:]
		}
	}
	return key
}

// splitSegments returns the NUL-separated segments after the kind byte.
func splitSegments(key []byte) [][]byte {
	var out [][]byte
	start := 2 // skip kind byte and first separator
	if len(key) < start {
		return nil
	}
	for i := start; i < len(key); i++ {
		if key[i] == keySep {
			out = append(out, key[start:i])
			start = i + 1
		}
	}
	out = append(out, key[start:])
	return out
}
