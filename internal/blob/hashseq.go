package blob

import "fmt"

// HashSeq is the parsed form of a hash-sequence blob: a concatenation of
// fixed-width hashes. For a stored collection, index 0 is the metadata blob
// and indexes 1..n are the file blobs in collection order.
type HashSeq []Hash

// ParseHashSeq splits a hash-sequence blob into hashes.
func ParseHashSeq(data []byte) (HashSeq, error) {
	if len(data)%HashSize != 0 {
		return nil, fmt.Errorf("hash sequence length %d is not a multiple of %d", len(data), HashSize)
	}
	seq := make(HashSeq, 0, len(data)/HashSize)
	for off := 0; off < len(data); off += HashSize {
		var h Hash
		copy(h[:], data[off:off+HashSize])
		seq = append(seq, h)
	}
	return seq, nil
}

// Bytes serializes the sequence back to blob form.
func (s HashSeq) Bytes() []byte {
	out := make([]byte, 0, len(s)*HashSize)
	for _, h := range s {
		out = append(out, h[:]...)
	}
	return out
}

func (s HashSeq) Len() int {
	return len(s)
}
