package store

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/bruceblink/sendmer/internal/blob"
)

// ImportMode selects how file bytes enter the store.
type ImportMode int

const (
	// ImportCopy copies the file into the store, hashing as it goes.
	ImportCopy ImportMode = iota
)

// copyStepBytes is how far a copy may advance between progress events.
const copyStepBytes = 1 << 20

type AddEventKind int

const (
	// AddSize announces the total size of the file being imported.
	AddSize AddEventKind = iota
	// AddCopyProgress reports bytes copied into the staging area so far.
	AddCopyProgress
	// AddCopyDone marks the end of the byte copy.
	AddCopyDone
	// AddOutboardProgress reports integrity digest computation.
	AddOutboardProgress
	// AddError aborts the import; no further events follow.
	AddError
	// AddDone completes the import and carries the protecting tag.
	AddDone
)

type AddEvent struct {
	Kind   AddEventKind
	Size   uint64
	Offset uint64
	Err    error
	Tag    *Tag
}

// AddProgress streams the events of one AddPath call. The channel closes
// after AddDone or AddError.
type AddProgress struct {
	events chan AddEvent
}

func (p *AddProgress) Events() <-chan AddEvent {
	return p.events
}

type AddPathOptions struct {
	Path string
	Mode ImportMode
}

// AddPath imports one file from the filesystem. Events arrive in order:
// AddSize, zero or more AddCopyProgress, AddCopyDone, AddOutboardProgress,
// then AddDone with the tag, or AddError at any point.
func (s *Store) AddPath(ctx context.Context, opts AddPathOptions) *AddProgress {
	p := &AddProgress{events: make(chan AddEvent, 16)}
	go s.runAddPath(ctx, opts, p)
	return p
}

func (s *Store) runAddPath(ctx context.Context, opts AddPathOptions, p *AddProgress) {
	defer close(p.events)

	emit := func(ev AddEvent) bool {
		select {
		case p.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		emit(AddEvent{Kind: AddError, Err: err})
	}

	f, err := os.Open(opts.Path)
	if err != nil {
		fail(fmt.Errorf("open %s: %w", opts.Path, err))
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		fail(err)
		return
	}
	size := uint64(st.Size())
	if !emit(AddEvent{Kind: AddSize, Size: size}) {
		return
	}

	tmp, err := s.stage()
	if err != nil {
		fail(err)
		return
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	hasher := blob.NewHasher()
	buf := make([]byte, 256*1024)
	var offset, lastEmit uint64
	for {
		if ctx.Err() != nil {
			_ = tmp.Close()
			fail(ctx.Err())
			return
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := tmp.Write(chunk); werr != nil {
				_ = tmp.Close()
				fail(werr)
				return
			}
			hasher.Write(chunk)
			offset += uint64(n)
			if offset-lastEmit >= copyStepBytes {
				lastEmit = offset
				if !emit(AddEvent{Kind: AddCopyProgress, Offset: offset}) {
					_ = tmp.Close()
					return
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = tmp.Close()
			fail(rerr)
			return
		}
	}
	if !emit(AddEvent{Kind: AddCopyDone}) {
		_ = tmp.Close()
		return
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		fail(err)
		return
	}
	if err := tmp.Close(); err != nil {
		fail(err)
		return
	}

	// The digest is computed inline with the copy, so the outboard phase
	// completes in one step.
	h := blob.HashFrom(hasher)
	if !emit(AddEvent{Kind: AddOutboardProgress, Offset: size}) {
		return
	}

	if err := s.commit(tmpName, h); err != nil {
		fail(err)
		return
	}
	committed = true
	emit(AddEvent{Kind: AddDone, Tag: s.retain(h)})
}
