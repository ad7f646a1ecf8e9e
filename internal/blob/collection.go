package blob

import (
	"fmt"
	"sort"

	"github.com/goccy/go-json"
)

// Entry is one named blob inside a Collection.
type Entry struct {
	Name string
	Hash Hash
}

// Collection is an ordered mapping from entry name to content hash. It is
// built once on the send side, sorted by name, and loaded read-only on the
// receive side. The collection owns no byte data; blobs live in the store.
type Collection struct {
	entries []Entry
}

// metaVersion guards the metadata blob layout.
const metaVersion = 1

type collectionMeta struct {
	Version int      `json:"version"`
	Names   []string `json:"names"`
}

func (c *Collection) Add(name string, h Hash) {
	c.entries = append(c.entries, Entry{Name: name, Hash: h})
}

// SortByName fixes the deterministic order regardless of import completion
// order.
func (c *Collection) SortByName() {
	sort.Slice(c.entries, func(i, j int) bool {
		return c.entries[i].Name < c.entries[j].Name
	})
}

func (c *Collection) Len() int {
	return len(c.entries)
}

func (c *Collection) Entries() []Entry {
	return c.entries
}

func (c *Collection) Names() []string {
	names := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		names = append(names, e.Name)
	}
	return names
}

// MarshalMeta serializes the metadata blob: names only, hashes travel in the
// hash sequence.
func (c *Collection) MarshalMeta() ([]byte, error) {
	return json.Marshal(collectionMeta{Version: metaVersion, Names: c.Names()})
}

// BuildSeq lays out the hash sequence for a stored collection: the metadata
// blob first, then every entry in collection order.
func (c *Collection) BuildSeq(metaHash Hash) HashSeq {
	seq := make(HashSeq, 0, len(c.entries)+1)
	seq = append(seq, metaHash)
	for _, e := range c.entries {
		seq = append(seq, e.Hash)
	}
	return seq
}

// CollectionFromSeq reassembles a Collection from a hash sequence and the
// metadata blob it points at.
func CollectionFromSeq(seq HashSeq, metaBlob []byte) (*Collection, error) {
	var meta collectionMeta
	if err := json.Unmarshal(metaBlob, &meta); err != nil {
		return nil, fmt.Errorf("decode collection metadata: %w", err)
	}
	if meta.Version != metaVersion {
		return nil, fmt.Errorf("unsupported collection version %d", meta.Version)
	}
	if len(meta.Names) != seq.Len()-1 {
		return nil, fmt.Errorf("collection has %d names but %d blobs", len(meta.Names), seq.Len()-1)
	}
	c := &Collection{}
	for i, name := range meta.Names {
		c.Add(name, seq[i+1])
	}
	return c, nil
}
