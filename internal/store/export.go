package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bruceblink/sendmer/internal/blob"
)

// ExportMode selects how blob bytes leave the store.
type ExportMode int

const (
	// ExportCopy writes a new file at the target path.
	ExportCopy ExportMode = iota
)

type ExportEventKind int

const (
	// ExportSize announces the size of the blob being exported.
	ExportSize ExportEventKind = iota
	// ExportCopyProgress reports bytes written to the target so far.
	ExportCopyProgress
	// ExportError aborts the export; no further events follow.
	ExportError
	// ExportDone completes the export.
	ExportDone
)

type ExportEvent struct {
	Kind   ExportEventKind
	Size   uint64
	Offset uint64
	Err    error
}

// ExportProgress streams the events of one Export call. The channel closes
// after ExportDone or ExportError.
type ExportProgress struct {
	events chan ExportEvent
}

func (p *ExportProgress) Events() <-chan ExportEvent {
	return p.events
}

type ExportOptions struct {
	Hash   blob.Hash
	Target string
	Mode   ExportMode
}

// Export writes one stored blob to a filesystem path. Parent directories
// are created; an existing file at the target fails the export rather than
// being overwritten.
func (s *Store) Export(ctx context.Context, opts ExportOptions) *ExportProgress {
	p := &ExportProgress{events: make(chan ExportEvent, 16)}
	go s.runExport(ctx, opts, p)
	return p
}

func (s *Store) runExport(ctx context.Context, opts ExportOptions, p *ExportProgress) {
	defer close(p.events)

	emit := func(ev ExportEvent) bool {
		select {
		case p.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		emit(ExportEvent{Kind: ExportError, Err: err})
	}

	rc, size, err := s.Blob(opts.Hash)
	if err != nil {
		fail(err)
		return
	}
	defer rc.Close()

	if !emit(ExportEvent{Kind: ExportSize, Size: uint64(size)}) {
		return
	}

	if dir := filepath.Dir(opts.Target); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fail(err)
			return
		}
	}
	f, err := os.OpenFile(opts.Target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		fail(fmt.Errorf("create %s: %w", opts.Target, err))
		return
	}
	done := false
	defer func() {
		if !done {
			_ = f.Close()
			_ = os.Remove(opts.Target)
		}
	}()

	buf := make([]byte, 256*1024)
	var offset, lastEmit uint64
	for {
		if ctx.Err() != nil {
			fail(ctx.Err())
			return
		}
		n, rerr := rc.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				fail(werr)
				return
			}
			offset += uint64(n)
			if offset-lastEmit >= copyStepBytes {
				lastEmit = offset
				if !emit(ExportEvent{Kind: ExportCopyProgress, Offset: offset}) {
					return
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			fail(rerr)
			return
		}
	}

	if err := f.Sync(); err != nil {
		fail(err)
		return
	}
	if err := f.Close(); err != nil {
		fail(err)
		return
	}
	done = true
	emit(ExportEvent{Kind: ExportDone})
}
