package store

import (
	"fmt"

	"github.com/bruceblink/sendmer/internal/blob"
)

// PutCollection stores a collection as two blobs, the metadata document and
// the hash sequence, and returns a tag on the sequence blob plus the root
// hash that identifies the whole transfer.
func (s *Store) PutCollection(c *blob.Collection) (*Tag, blob.Hash, error) {
	meta, err := c.MarshalMeta()
	if err != nil {
		return nil, blob.Hash{}, fmt.Errorf("encode collection meta: %w", err)
	}
	metaHash, err := s.PutBytes(meta)
	if err != nil {
		return nil, blob.Hash{}, err
	}
	seq := c.BuildSeq(metaHash)
	root, err := s.PutBytes(seq.Bytes())
	if err != nil {
		return nil, blob.Hash{}, err
	}
	return s.retain(root), root, nil
}

// HashSeq loads and parses the hash sequence blob stored under root.
func (s *Store) HashSeq(root blob.Hash) (blob.HashSeq, error) {
	raw, err := s.readAll(root)
	if err != nil {
		return nil, err
	}
	seq, err := blob.ParseHashSeq(raw)
	if err != nil {
		return nil, fmt.Errorf("root %s: %w", root.Short(), err)
	}
	if seq.Len() == 0 {
		return nil, fmt.Errorf("root %s: empty hash sequence", root.Short())
	}
	return seq, nil
}

// LoadCollection reconstructs the collection identified by root from local
// blobs. Both the sequence and the metadata blob must be present.
func (s *Store) LoadCollection(root blob.Hash) (*blob.Collection, error) {
	seq, err := s.HashSeq(root)
	if err != nil {
		return nil, err
	}
	meta, err := s.readAll(seq[0])
	if err != nil {
		return nil, fmt.Errorf("collection meta: %w", err)
	}
	return blob.CollectionFromSeq(seq, meta)
}
