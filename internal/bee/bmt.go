package bee

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

const (
	// ChunkSize is the maximum chunk payload.
	ChunkSize   = 4096
	SpanSize    = 8
	segmentSize = 32
)

// Span is the little-endian length prefix of a chunk.
func Span(length int) []byte {
	span := make([]byte, SpanSize)
	binary.LittleEndian.PutUint64(span, uint64(length))
	return span
}

// ContentAddress is the binary merkle tree hash of a single chunk:
// keccak256(span|root) where root hashes the zero padded payload in 32 byte
// segments.
func ContentAddress(span, payload []byte) []byte {
	level := make([]byte, ChunkSize)
	copy(level, payload)
	for len(level) > segmentSize {
		next := make([]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 * segmentSize {
			h := sha3.NewLegacyKeccak256()
			h.Write(level[i : i+2*segmentSize])
			copy(next[i/2:], h.Sum(nil))
		}
		level = next
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(span)
	h.Write(level)
	return h.Sum(nil)
}
