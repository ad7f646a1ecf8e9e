package store

import "github.com/bruceblink/sendmer/internal/blob"

// LocalInfo describes how much of a transfer identified by its root hash is
// already present in the store.
type LocalInfo struct {
	// HaveSeq is true when the hash sequence blob itself is present.
	HaveSeq bool
	// Complete is true when the sequence and every child blob are present.
	Complete bool
	// Children is the sequence length including the metadata blob.
	Children int
	// Missing lists sequence indexes of absent blobs.
	Missing []int
	// LocalBytes sums the sizes of payload blobs already present. The
	// metadata blob at index zero does not count.
	LocalBytes uint64
}

// Local inspects the store for the given root without touching the network.
// A root whose sequence blob is absent yields a zero LocalInfo, meaning
// nothing is known about the transfer yet.
func (s *Store) Local(root blob.Hash) (*LocalInfo, error) {
	if !s.Has(root) {
		return &LocalInfo{}, nil
	}
	seq, err := s.HashSeq(root)
	if err != nil {
		return nil, err
	}
	info := &LocalInfo{
		HaveSeq:  true,
		Children: seq.Len(),
	}
	for i, h := range seq {
		if !s.Has(h) {
			info.Missing = append(info.Missing, i)
			continue
		}
		if i > 0 {
			size, err := s.SizeOf(h)
			if err != nil {
				return nil, err
			}
			info.LocalBytes += uint64(size)
		}
	}
	info.Complete = len(info.Missing) == 0
	return info, nil
}
