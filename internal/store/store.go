// Package store is the session-scoped content-addressed blob store. Blobs
// are keyed by BLAKE3 hash, staged into a temp area while hashing, then
// renamed into place; a stored blob is immutable. The store also implements
// the remote-fetch side of the wire protocol (remote.go).
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bruceblink/sendmer/internal/blob"
	"github.com/bruceblink/sendmer/pkg/logger"
)

// ErrNotFound reports a blob missing from the store.
var ErrNotFound = errors.New("blob not found")

// ErrClosed reports use after Shutdown.
var ErrClosed = errors.New("store is closed")

type Store struct {
	root string

	mu     sync.Mutex
	tags   map[blob.Hash]int
	closed bool
}

// Open creates or reopens a store rooted at dir.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{"blobs", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	return &Store{
		root: dir,
		tags: make(map[blob.Hash]int),
	}, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) blobPath(h blob.Hash) string {
	hex := h.String()
	return filepath.Join(s.root, "blobs", hex[:2], hex)
}

func (s *Store) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Store) Has(h blob.Hash) bool {
	_, err := os.Stat(s.blobPath(h))
	return err == nil
}

func (s *Store) SizeOf(h blob.Hash) (int64, error) {
	st, err := os.Stat(s.blobPath(h))
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, h.Short())
	}
	return st.Size(), nil
}

// Blob opens a stored blob for reading along with its size.
func (s *Store) Blob(h blob.Hash) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.blobPath(h))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, h.Short())
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

func (s *Store) readAll(h blob.Hash) ([]byte, error) {
	rc, _, err := s.Blob(h)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// PutBytes stores one blob from memory and returns its hash.
func (s *Store) PutBytes(data []byte) (blob.Hash, error) {
	h := blob.HashBytes(data)
	if err := s.ensureOpen(); err != nil {
		return h, err
	}
	if s.Has(h) {
		return h, nil
	}
	tmp, err := s.stage()
	if err != nil {
		return h, err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return h, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return h, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return h, err
	}
	return h, s.commit(name, h)
}

// stage opens a fresh staging file under the store's tmp area.
func (s *Store) stage() (*os.File, error) {
	return os.CreateTemp(filepath.Join(s.root, "tmp"), "stage-*")
}

// commit moves a fully written staging file to its content address.
// Committing a hash that already exists discards the staging copy.
func (s *Store) commit(tmpPath string, h blob.Hash) error {
	if err := s.ensureOpen(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	final := s.blobPath(h)
	if _, err := os.Stat(final); err == nil {
		_ = os.Remove(tmpPath)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit blob %s: %w", h.Short(), err)
	}
	return nil
}

// Tag keeps a blob protected while it is referenced outside a collection.
// Tags are session-scoped bookkeeping; dropping the last tag makes the blob
// eligible for cleanup with the session directory.
type Tag struct {
	s    *Store
	hash blob.Hash
	once sync.Once
}

func (t *Tag) Hash() blob.Hash {
	return t.hash
}

// Drop releases the tag. Dropping twice is a no-op.
func (t *Tag) Drop() {
	t.once.Do(func() {
		t.s.mu.Lock()
		defer t.s.mu.Unlock()
		t.s.tags[t.hash]--
		if t.s.tags[t.hash] <= 0 {
			delete(t.s.tags, t.hash)
		}
	})
}

func (s *Store) retain(h blob.Hash) *Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[h]++
	return &Tag{s: s, hash: h}
}

// TaggedCount reports how many blobs currently carry tags.
func (s *Store) TaggedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tags)
}

// Shutdown marks the store closed; subsequent writes fail with ErrClosed.
// Reads of already committed blobs stay valid until the session directory
// is removed.
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	logger.Log.Info("Store shut down", "root", s.root)
}
