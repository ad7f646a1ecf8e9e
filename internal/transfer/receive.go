package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bruceblink/sendmer/internal/blob"
	"github.com/bruceblink/sendmer/internal/event"
	"github.com/bruceblink/sendmer/internal/store"
	"github.com/bruceblink/sendmer/internal/ticket"
	"github.com/bruceblink/sendmer/internal/transport"
	"github.com/bruceblink/sendmer/pkg/logger"
)

const (
	// sizeAttempts bounds the size negotiation retry loop.
	sizeAttempts = 3
	// retryBackoffStep grows linearly with the attempt number.
	retryBackoffStep = 250 * time.Millisecond
	// progressThreshold is the minimum unreported byte delta before a new
	// progress event is raised.
	progressThreshold = 1 << 20
)

type ReceiveOptions struct {
	// OutputDir is where collection entries land. Must be resolved by the
	// caller.
	OutputDir string
	// Secret is the hex-encoded identity seed; empty means a fresh
	// identity.
	Secret string
	// RelayURL is the locally configured relay, used to reach providers
	// whose ticket carries no hints.
	RelayURL string
	// Sink receives transfer events; nil is fine.
	Sink event.Emitter
}

type ReceiveResult struct {
	// Message is the human-readable summary, e.g.
	// "Downloaded 3 files, 4096 bytes".
	Message  string
	FilePath string
	Files    uint64
	Bytes    uint64
	Stats    store.Stats
}

// Receive fetches the transfer named by ticketStr into a temp store, exports
// it under OutputDir, and removes the temp store. Cleanup happens on
// success, failure, and cancellation alike; a cancelled ctx yields
// ErrCancelled, never a generic failure.
func Receive(ctx context.Context, ticketStr string, opts ReceiveOptions) (*ReceiveResult, error) {
	tk, err := ticket.Parse(ticketStr)
	if err != nil {
		return nil, err
	}
	workDir := filepath.Join(os.TempDir(), ".sendmer-recv-"+tk.Root.String())
	st, err := store.Open(workDir)
	if err != nil {
		return nil, err
	}
	ep, err := transport.NewEndpoint(transport.Options{
		Secret:   opts.Secret,
		RelayURL: opts.RelayURL,
	})
	if err != nil {
		st.Shutdown()
		_ = os.RemoveAll(workDir)
		return nil, err
	}

	cleanup := func() {
		st.Shutdown()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		_ = ep.Shutdown(shutCtx)
		cancel()
		if err := os.RemoveAll(workDir); err != nil {
			logger.Log.Warn("Session directory cleanup failed", "dir", workDir, "err", err)
		}
	}

	type outcome struct {
		res *ReceiveResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := receiveBody(ctx, st, ep, tk, opts)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		cleanup()
		if out.err != nil {
			return nil, cancelled(ctx, out.err)
		}
		return out.res, nil
	case <-ctx.Done():
		logger.Log.Warn("Receive cancelled by user", "root", tk.Root.Short())
		cleanup()
		return nil, ErrCancelled
	}
}

func receiveBody(ctx context.Context, st *store.Store, ep *transport.Endpoint, tk *ticket.Ticket, opts ReceiveOptions) (*ReceiveResult, error) {
	sink := opts.Sink
	root := tk.Root

	local, err := st.Local(root)
	if err != nil {
		return nil, err
	}

	var files, payload uint64
	var stats store.Stats
	if local.Complete {
		// Nothing to fetch; the store already holds the whole transfer.
		files = uint64(local.Children - 1)
		payload = local.LocalBytes
		event.Send(sink, event.Started(event.RoleReceiver))
		event.Send(sink, event.Completed(event.RoleReceiver))
	} else {
		event.Send(sink, event.Started(event.RoleReceiver))
		seq, sizes, err := getSizesWithRetries(ctx, ep, tk.Addr, root)
		if err != nil {
			event.Send(sink, event.Failed(event.RoleReceiver, err.Error()))
			return nil, err
		}
		// Persist the sequence so the collection loads locally below.
		if _, err := st.PutBytes(seq.Bytes()); err != nil {
			return nil, err
		}
		for _, sz := range sizes[1:] {
			payload += sz
		}
		files = uint64(len(sizes) - 1)
		event.Send(sink, event.Progress(event.RoleReceiver, 0, payload, 0))

		if missing := missingIndexes(st, seq); len(missing) > 0 {
			conn, err := ep.Connect(ctx, tk.Addr)
			if err != nil {
				err = &store.GetError{Kind: store.KindConnection, Err: err}
				event.Send(sink, event.Failed(event.RoleReceiver, err.Error()))
				return nil, err
			}
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			stats, err = processGetStream(ctx, st, conn, root, seq, missing, payload, sink)
			stop()
			_ = conn.Close()
			if err != nil {
				event.Send(sink, event.Failed(event.RoleReceiver, err.Error()))
				return nil, err
			}
		}
	}

	collection, err := st.LoadCollection(root)
	if err != nil {
		return nil, err
	}
	if names := collection.Names(); len(names) > 0 {
		event.Send(sink, event.FileNames(event.RoleReceiver, names))
	}

	if err := exportCollection(ctx, st, collection, opts.OutputDir); err != nil {
		event.Send(sink, event.Failed(event.RoleReceiver, err.Error()))
		return nil, err
	}
	event.Send(sink, event.Completed(event.RoleReceiver))

	return &ReceiveResult{
		Message:  fmt.Sprintf("Downloaded %d files, %d bytes", files, payload),
		FilePath: opts.OutputDir,
		Files:    files,
		Bytes:    payload,
		Stats:    stats,
	}, nil
}

// getSizesWithRetries negotiates the hash sequence and sizes. The first
// connect failure is surfaced immediately; negotiation failures retry up to
// sizeAttempts with linear backoff, reconnecting before each retry since the
// previous failure may have poisoned the connection. The last typed error
// survives exhaustion.
func getSizesWithRetries(ctx context.Context, ep *transport.Endpoint, addr transport.NodeAddr, root blob.Hash) (blob.HashSeq, []uint64, error) {
	conn, err := ep.Connect(ctx, addr)
	if err != nil {
		return nil, nil, &store.GetError{Kind: store.KindConnection, Err: err}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	var lastErr error
	for attempt := 1; attempt <= sizeAttempts; attempt++ {
		seq, sizes, err := store.GetHashSeqAndSizes(conn, root, store.MaxHashSeqBytes)
		if err == nil {
			return seq, sizes, nil
		}
		lastErr = err
		logger.Log.Warn("Size negotiation attempt failed", "attempt", attempt, "err", err)
		if attempt == sizeAttempts {
			break
		}

		backoff := time.Duration(attempt) * retryBackoffStep
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		if fresh, cerr := ep.Connect(ctx, addr); cerr != nil {
			logger.Log.Warn("Reconnect failed, retrying on the old connection", "err", cerr)
		} else {
			stop()
			_ = conn.Close()
			conn = fresh
			stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
		}
	}
	return nil, nil, lastErr
}

// missingIndexes lists the sequence entries the store does not hold yet.
func missingIndexes(st *store.Store, seq blob.HashSeq) []int {
	var missing []int
	for i, h := range seq {
		if !st.Has(h) {
			missing = append(missing, i)
		}
	}
	return missing
}

// processGetStream drives one fetch and forwards throttled progress to the
// sink: a new event only when the unreported delta exceeds the threshold,
// plus one final event pinned at the total.
func processGetStream(ctx context.Context, st *store.Store, conn transport.Conn, root blob.Hash, seq blob.HashSeq, indexes []int, payload uint64, sink event.Emitter) (store.Stats, error) {
	var lastReported uint64
	started := time.Now()
	var stats store.Stats
	sawDone := false
	for ev := range st.ExecuteGet(ctx, conn, root, seq, indexes).Events() {
		switch ev.Kind {
		case store.GetEventProgress:
			if ev.Offset-lastReported > progressThreshold {
				lastReported = ev.Offset
				event.Send(sink, event.Progress(event.RoleReceiver, ev.Offset, payload, rate(ev.Offset, started)))
			}
		case store.GetEventError:
			return stats, ev.Err
		case store.GetEventDone:
			sawDone = true
			stats = ev.Stats
			event.Send(sink, event.Progress(event.RoleReceiver, payload, payload, rate(payload, started)))
		}
	}
	if !sawDone {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		return stats, &store.GetError{Kind: store.KindClosing, Err: fmt.Errorf("fetch stream ended unexpectedly")}
	}
	return stats, nil
}

func rate(bytes uint64, since time.Time) float64 {
	elapsed := time.Since(since).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed
}
