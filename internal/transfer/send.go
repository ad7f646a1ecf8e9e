// Package transfer is the orchestrator: it turns a path into an announced
// collection (Send) and a ticket back into files on disk (Receive). It owns
// the session working directories, the retry policy, and the cancellation
// race; hashing, storage, and the wire protocol live in store and transport.
package transfer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bruceblink/sendmer/internal/blob"
	"github.com/bruceblink/sendmer/internal/event"
	"github.com/bruceblink/sendmer/internal/store"
	"github.com/bruceblink/sendmer/internal/ticket"
	"github.com/bruceblink/sendmer/internal/transport"
	"github.com/bruceblink/sendmer/internal/watcher"
	"github.com/bruceblink/sendmer/pkg/logger"
)

const (
	// onlineWait bounds how long a share waits for address discovery
	// before announcing its ticket.
	onlineWait = 30 * time.Second
	// shutdownWait bounds transport shutdown before directory cleanup
	// proceeds regardless.
	shutdownWait = 2 * time.Second
)

// ErrShareCurrentDir refuses to share the directory the session stores its
// own working data in.
var ErrShareCurrentDir = errors.New("can not share from the current directory")

type SendOptions struct {
	// Secret is the hex-encoded identity seed; empty means a fresh
	// identity for this session.
	Secret string
	// BindAddr is the listen address; empty binds an ephemeral port on
	// all interfaces.
	BindAddr string
	// StunServer enables public address discovery; empty disables it.
	StunServer string
	// RelayURL enables relay registration; empty disables it.
	RelayURL string
	// AddrOpts filters which reachability hints the ticket discloses.
	AddrOpts ticket.AddrOptions
	// Sink receives transfer events; nil is fine.
	Sink event.Emitter
}

// Share is a live send session: imported data being served until Close.
type Share struct {
	Ticket        *ticket.Ticket
	Root          blob.Hash
	TotalSize     uint64
	NumFiles      int
	IsDir         bool
	Collection    *blob.Collection
	ImportElapsed time.Duration

	st      *store.Store
	tag     *store.Tag
	ep      *transport.Endpoint
	drift   *watcher.Watcher
	workDir string
	cancel  context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// Send imports path into a session store under the current directory and
// starts serving it. The returned Share must be closed to release the
// listener and remove the working directory. A cancelled ctx during setup
// yields ErrCancelled with everything cleaned up.
func Send(ctx context.Context, path string, opts SendOptions) (*Share, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if abs == cwd {
		return nil, ErrShareCurrentDir
	}

	workDir, err := sendWorkDir(cwd)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(workDir)
	if err != nil {
		return nil, err
	}

	shareCtx, cancel := context.WithCancel(context.Background())
	share := &Share{st: st, workDir: workDir, cancel: cancel}
	ok := false
	defer func() {
		if !ok {
			_ = share.Close()
		}
	}()

	fi, err := os.Stat(abs)
	if err != nil {
		return nil, &ImportError{Err: fmt.Errorf("path %s does not exist: %w", path, err)}
	}
	share.IsDir = fi.IsDir()

	t0 := time.Now()
	tag, root, size, collection, err := importTree(ctx, st, abs, opts.Sink)
	if err != nil {
		return nil, cancelled(ctx, err)
	}
	share.tag = tag
	share.Root = root
	share.TotalSize = size
	share.NumFiles = collection.Len()
	share.Collection = collection
	share.ImportElapsed = time.Since(t0)

	ep, err := transport.NewEndpoint(transport.Options{
		Secret:     opts.Secret,
		Bind:       opts.BindAddr,
		StunServer: opts.StunServer,
		RelayURL:   opts.RelayURL,
	})
	if err != nil {
		return nil, err
	}
	share.ep = ep
	if err := ep.Bind(ctx); err != nil {
		return nil, cancelled(ctx, err)
	}

	// Wait for discovery to settle before the ticket is built, so it
	// carries the public address and relay hint when they exist.
	onlineCtx, cancelOnline := context.WithTimeout(ctx, onlineWait)
	err = ep.Online(onlineCtx)
	cancelOnline()
	if err != nil {
		return nil, cancelled(ctx, fmt.Errorf("waiting for endpoint address: %w", err))
	}

	provider := transport.NewProvider(st, opts.Sink)
	go provider.Run(shareCtx, ep)

	addr := ticket.ApplyOptions(ep.Addr(), opts.AddrOpts)
	share.Ticket = ticket.New(addr, root)

	share.drift = watchSource(shareCtx, abs)

	logger.Log.Info("Share ready", "root", root.Short(), "files", share.NumFiles,
		"bytes", size, "node", ep.NodeID().Short())
	ok = true
	return share, nil
}

// Close stops serving, drops the session's tag, shuts the endpoint down
// within the shutdown bound, and removes the working directory.
func (s *Share) Close() error {
	s.closeOnce.Do(func() {
		if s.drift != nil {
			s.drift.Stop()
		}
		s.cancel()
		if s.tag != nil {
			s.tag.Drop()
		}
		s.st.Shutdown()
		if s.ep != nil {
			shutCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
			if err := s.ep.Shutdown(shutCtx); err != nil {
				logger.Log.Warn("Endpoint shutdown incomplete", "err", err)
			}
			cancel()
		}
		s.closeErr = os.RemoveAll(s.workDir)
	})
	return s.closeErr
}

// sendWorkDir picks the session working directory under cwd. A leftover
// directory with the same name means a previous session in this directory
// did not clean up.
func sendWorkDir(cwd string) (string, error) {
	var suffix [16]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", err
	}
	workDir := filepath.Join(cwd, ".sendmer-send-"+hex.EncodeToString(suffix[:]))
	if _, err := os.Lstat(workDir); err == nil {
		return "", &ShareDirBusyError{Dir: cwd}
	}
	return workDir, nil
}

// watchSource starts the drift watcher and logs changes to the shared
// source. Receivers always get the imported snapshot; this only warns.
func watchSource(ctx context.Context, path string) *watcher.Watcher {
	w, err := watcher.NewWatcher(path, watcher.DefaultFilterConfig(), ctx)
	if err != nil {
		logger.Log.Warn("Source watcher unavailable", "err", err)
		return nil
	}
	if err := w.Start(); err != nil {
		logger.Log.Warn("Source watcher failed to start", "err", err)
		return nil
	}
	go func() {
		for ev := range w.Events() {
			logger.Log.Warn("Shared source changed after import; receivers get the original snapshot",
				"path", ev.Path, "op", ev.Type)
		}
	}()
	go func() {
		for err := range w.Errors() {
			logger.Log.Warn("Source watcher error", "err", err)
		}
	}()
	return w
}

// cancelled maps a failure that happened under a cancelled context to
// ErrCancelled, keeping interrupt distinct from genuine faults.
func cancelled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return err
}
