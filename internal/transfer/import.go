package transfer

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bruceblink/sendmer/internal/blob"
	"github.com/bruceblink/sendmer/internal/event"
	"github.com/bruceblink/sendmer/internal/pathname"
	"github.com/bruceblink/sendmer/internal/store"
	"github.com/bruceblink/sendmer/pkg/logger"
)

// dataSource is one file queued for import.
type dataSource struct {
	name string
	path string
	size uint64
}

type importedEntry struct {
	name string
	size uint64
	tag  *store.Tag
}

// importTree walks path, imports every regular file into st, and stores the
// resulting collection. The returned tag protects the collection blob; the
// per-file tags are dropped once the collection is stored. Entry names are
// relative to the path's parent, so the shared file or directory name is the
// first component of every entry.
func importTree(ctx context.Context, st *store.Store, path string, sink event.Emitter) (*store.Tag, blob.Hash, uint64, *blob.Collection, error) {
	sources, err := enumerateSources(path)
	if err != nil {
		return nil, blob.Hash{}, 0, nil, &ImportError{Err: err}
	}

	var totalSize uint64
	for _, src := range sources {
		totalSize += src.size
	}

	// Workers may finish in any order; results land in their slot so the
	// name-sorted enumeration order survives.
	entries := make([]importedEntry, len(sources))
	var done struct {
		mu    sync.Mutex
		bytes uint64
	}
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, src := range sources {
		g.Go(func() error {
			tag, err := importFile(ctx, st, src)
			if err != nil {
				return fmt.Errorf("importing %s: %w", src.name, err)
			}
			entries[i] = importedEntry{name: src.name, size: src.size, tag: tag}
			done.mu.Lock()
			done.bytes += src.size
			processed := done.bytes
			done.mu.Unlock()
			event.Send(sink, event.Progress(event.RoleSender, processed, totalSize, 0))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		dropTags(entries)
		return nil, blob.Hash{}, 0, nil, &ImportError{Err: err}
	}

	sort.Slice(entries, func(a, b int) bool { return entries[a].name < entries[b].name })

	c := &blob.Collection{}
	for _, e := range entries {
		c.Add(e.name, e.tag.Hash())
	}
	tag, root, err := st.PutCollection(c)
	if err != nil {
		dropTags(entries)
		return nil, blob.Hash{}, 0, nil, &ImportError{Err: err}
	}
	// The stored collection protects the blobs now.
	dropTags(entries)

	event.Send(sink, event.Progress(event.RoleSender, totalSize, totalSize, 0))
	logger.Log.Info("Import finished", "files", len(entries), "bytes", totalSize, "root", root.Short())
	return tag, root, totalSize, c, nil
}

func dropTags(entries []importedEntry) {
	for _, e := range entries {
		if e.tag != nil {
			e.tag.Drop()
		}
	}
}

// enumerateSources flattens the path into (name, path, size) triples sorted
// by name. Works for a single file too. Symlinks are skipped, never
// followed.
func enumerateSources(path string) ([]dataSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("path %s does not exist: %w", path, err)
	}
	parent := filepath.Dir(abs)

	var sources []dataSource
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(parent, p)
		if err != nil {
			return err
		}
		name, err := pathname.ToName(rel, false)
		if err != nil {
			return err
		}
		sources = append(sources, dataSource{name: name, path: p, size: uint64(info.Size())})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no regular files under %s", path)
	}
	sort.Slice(sources, func(a, b int) bool { return sources[a].name < sources[b].name })
	return sources, nil
}

// importFile drives one AddPath stream to completion and returns the tag.
func importFile(ctx context.Context, st *store.Store, src dataSource) (*store.Tag, error) {
	started := time.Now()
	var tag *store.Tag
	for ev := range st.AddPath(ctx, store.AddPathOptions{Path: src.path}).Events() {
		switch ev.Kind {
		case store.AddError:
			return nil, ev.Err
		case store.AddDone:
			tag = ev.Tag
		}
	}
	if tag == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("import stream ended without a tag")
	}
	logger.Log.Debug("Imported file", "name", src.name, "size", src.size,
		"hash", tag.Hash().Short(), "elapsed", time.Since(started))
	return tag, nil
}
