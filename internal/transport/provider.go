package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bruceblink/sendmer/internal/blob"
	"github.com/bruceblink/sendmer/internal/event"
	"github.com/bruceblink/sendmer/pkg/logger"
)

// BlobSource is the read side of the store the provider serves from.
type BlobSource interface {
	Has(h blob.Hash) bool
	SizeOf(h blob.Hash) (int64, error)
	Blob(h blob.Hash) (io.ReadCloser, int64, error)
}

// providerProgressStep is the unreported-bytes threshold that triggers a
// sender progress event.
const providerProgressStep = 1 << 20

// Provider answers sizes and get requests for a live share. Per-request
// progress lives in a mutex-guarded arena keyed by the handshake request id
// and is removed explicitly when a request finishes or aborts.
type Provider struct {
	src  BlobSource
	sink event.Emitter

	mu     sync.Mutex
	active map[string]*requestProgress
}

type requestProgress struct {
	sent    uint64
	total   uint64
	lastLog uint64
	started time.Time
}

func NewProvider(src BlobSource, sink event.Emitter) *Provider {
	return &Provider{
		src:    src,
		sink:   sink,
		active: make(map[string]*requestProgress),
	}
}

// Run serves accepted connections until ctx is done.
func (p *Provider) Run(ctx context.Context, ep *Endpoint) {
	for {
		select {
		case <-ctx.Done():
			return
		case conn, ok := <-ep.Accept():
			if !ok {
				return
			}
			go p.ServeConn(ctx, conn)
		}
	}
}

// ServeConn handles one peer connection: a handshake, then a sequence of
// requests until the peer hangs up.
func (p *Provider) ServeConn(ctx context.Context, conn Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var hs Handshake
	if err := ReadFrame(conn, &hs); err != nil {
		logger.Log.Warn("Handshake read failed", "err", err)
		return
	}
	if hs.Proto != Proto {
		logger.Log.Warn("Protocol mismatch", "proto", hs.Proto)
		return
	}
	reqID := hs.Request
	if reqID == "" {
		reqID = uuid.NewString()
	}
	logger.Log.Info("Peer connected", "node", NodeID(hs.Node).Short(), "request", reqID)

	for {
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Log.Debug("Request read ended", "request", reqID, "err", err)
			}
			return
		}
		switch req.Type {
		case RequestSizes:
			if err := p.serveSizes(conn, &req); err != nil {
				logger.Log.Warn("Sizes request failed", "request", reqID, "err", err)
				return
			}
		case RequestGet:
			if err := p.serveGet(conn, &req, reqID); err != nil {
				event.Send(p.sink, event.Failed(event.RoleSender, err.Error()))
				logger.Log.Warn("Get request failed", "request", reqID, "err", err)
				return
			}
		default:
			_ = WriteFrame(conn, BlobHeader{Error: fmt.Sprintf("unknown request type %q", req.Type)})
			return
		}
	}
}

func (p *Provider) loadSeq(root blob.Hash) (blob.HashSeq, error) {
	rc, _, err := p.src.Blob(root)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return blob.ParseHashSeq(data)
}

func (p *Provider) serveSizes(conn Conn, req *Request) error {
	seq, err := p.loadSeq(req.Root)
	if err != nil {
		logger.Log.Warn("Sizes request for unknown root", "root", req.Root.Short(), "err", err)
		return WriteFrame(conn, SizesResponse{Error: "unknown root"})
	}
	sizes := make([]uint64, seq.Len())
	for i, h := range seq {
		sz, err := p.src.SizeOf(h)
		if err != nil {
			return WriteFrame(conn, SizesResponse{Error: fmt.Sprintf("missing blob %s", h.Short())})
		}
		sizes[i] = uint64(sz)
	}
	if err := WriteFrame(conn, SizesResponse{Sizes: sizes}); err != nil {
		return err
	}
	_, err = conn.Write(seq.Bytes())
	return err
}

func (p *Provider) serveGet(conn Conn, req *Request, reqID string) error {
	seq, err := p.loadSeq(req.Root)
	if err != nil {
		return WriteFrame(conn, BlobHeader{Error: "unknown root"})
	}
	indexes := req.Indexes
	if len(indexes) == 0 {
		indexes = make([]int, seq.Len())
		for i := range indexes {
			indexes[i] = i
		}
	}
	var total uint64
	for _, idx := range indexes {
		if idx < 0 || idx >= seq.Len() {
			return WriteFrame(conn, BlobHeader{Index: idx, Error: "index out of range"})
		}
		if idx == 0 {
			continue
		}
		sz, err := p.src.SizeOf(seq[idx])
		if err != nil {
			return WriteFrame(conn, BlobHeader{Index: idx, Error: "missing blob"})
		}
		total += uint64(sz)
	}

	p.track(reqID, total)
	defer p.untrack(reqID)
	event.Send(p.sink, event.Started(event.RoleSender))

	for _, idx := range indexes {
		rc, size, err := p.src.Blob(seq[idx])
		if err != nil {
			_ = WriteFrame(conn, BlobHeader{Index: idx, Error: "missing blob"})
			return fmt.Errorf("open blob %s: %w", seq[idx].Short(), err)
		}
		if err := WriteFrame(conn, BlobHeader{Index: idx, Size: uint64(size)}); err != nil {
			rc.Close()
			return err
		}
		err = p.sendBlob(conn, rc, reqID, idx > 0)
		rc.Close()
		if err != nil {
			return err
		}
	}
	if err := WriteFrame(conn, BlobHeader{Done: true}); err != nil {
		return err
	}
	event.Send(p.sink, event.Completed(event.RoleSender))
	logger.Log.Info("Get request served", "request", reqID, "blobs", len(indexes), "bytes", total)
	return nil
}

// sendBlob streams one blob. Only payload blobs (index > 0) advance the
// progress counter; collection metadata stays out of byte totals.
func (p *Provider) sendBlob(conn Conn, rc io.Reader, reqID string, countPayload bool) error {
	buf := make([]byte, 64*1024)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
			if countPayload {
				p.advance(reqID, uint64(n))
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (p *Provider) track(reqID string, total uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[reqID] = &requestProgress{total: total, started: time.Now()}
}

func (p *Provider) untrack(reqID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, reqID)
}

func (p *Provider) advance(reqID string, n uint64) {
	p.mu.Lock()
	st, ok := p.active[reqID]
	if !ok {
		p.mu.Unlock()
		logger.Log.Debug("Progress for untracked request", "request", reqID)
		return
	}
	st.sent += n
	emit := st.sent == st.total || st.sent-st.lastLog > providerProgressStep
	if emit {
		st.lastLog = st.sent
	}
	sent, total := st.sent, st.total
	elapsed := time.Since(st.started).Seconds()
	p.mu.Unlock()

	if emit {
		speed := 0.0
		if elapsed > 0 {
			speed = float64(sent) / elapsed
		}
		event.Send(p.sink, event.Progress(event.RoleSender, sent, total, speed))
	}
}

// ActiveRequests reports how many requests are currently streaming.
func (p *Provider) ActiveRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
