// Package blob defines the content-addressed primitives shared by the
// store, the transport and the transfer orchestrator: BLAKE3 hashes, hash
// sequences and named collections.
package blob

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"hash"

	"lukechampine.com/blake3"
)

// HashSize is the digest width in bytes.
const HashSize = 32

// Hash identifies one immutable blob by its BLAKE3 digest. Equality implies
// identical bytes.
type Hash [HashSize]byte

// HashBytes digests data in one call.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// NewHasher returns a streaming hasher; finish it with HashFrom.
func NewHasher() hash.Hash {
	return blake3.New(HashSize, nil)
}

// HashFrom extracts the digest from a hasher created by NewHasher.
func HashFrom(h hash.Hash) Hash {
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// FromHex parses a 64-character lowercase or uppercase hex digest.
func FromHex(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("parse hash: got %d bytes, want %d", len(raw), HashSize)
	}
	copy(h[:], raw)
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short is the abbreviated form used in logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) Equal(other Hash) bool {
	return bytes.Equal(h[:], other[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := FromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
