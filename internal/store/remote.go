package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bruceblink/sendmer/internal/blob"
	"github.com/bruceblink/sendmer/internal/transport"
)

// MaxHashSeqBytes caps how large a hash sequence a fetch will accept.
const MaxHashSeqBytes = 32 << 20

// GetErrorKind classifies where in the fetch protocol a failure happened.
type GetErrorKind int

const (
	// KindConnection covers dial and handshake failures.
	KindConnection GetErrorKind = iota
	// KindHeader covers failures reading a response or blob header.
	KindHeader
	// KindDecode covers malformed or unverifiable content.
	KindDecode
	// KindSend covers failures writing a request.
	KindSend
	// KindClosing covers streams that end before the response completes.
	KindClosing
	// KindBadRequest covers requests the provider refused.
	KindBadRequest
	// KindLocal covers failures writing fetched bytes into the store.
	KindLocal
)

func (k GetErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindHeader:
		return "header"
	case KindDecode:
		return "decode"
	case KindSend:
		return "send"
	case KindClosing:
		return "closing"
	case KindBadRequest:
		return "bad-request"
	case KindLocal:
		return "local"
	default:
		return "unknown"
	}
}

// GetError is the typed failure of a fetch operation. Callers retry or give
// up based on Kind.
type GetError struct {
	Kind GetErrorKind
	Err  error
}

func (e *GetError) Error() string {
	return fmt.Sprintf("get failed (%s): %v", e.Kind, e.Err)
}

func (e *GetError) Unwrap() error {
	return e.Err
}

func getErrf(kind GetErrorKind, format string, args ...any) *GetError {
	return &GetError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// GetHashSeqAndSizes asks the provider on conn for the hash sequence and
// blob sizes under root. The raw sequence bytes are verified against root
// before parsing. maxBytes bounds the sequence size; pass MaxHashSeqBytes
// unless a tighter bound is needed.
func GetHashSeqAndSizes(conn io.ReadWriter, root blob.Hash, maxBytes uint64) (blob.HashSeq, []uint64, error) {
	req := transport.Request{Type: transport.RequestSizes, Root: root}
	if err := transport.WriteFrame(conn, req); err != nil {
		return nil, nil, getErrf(KindSend, "send sizes request: %w", err)
	}
	var resp transport.SizesResponse
	if err := transport.ReadFrame(conn, &resp); err != nil {
		return nil, nil, getErrf(KindHeader, "read sizes response: %w", err)
	}
	if resp.Error != "" {
		return nil, nil, getErrf(KindBadRequest, "provider refused: %s", resp.Error)
	}
	if len(resp.Sizes) == 0 {
		return nil, nil, getErrf(KindDecode, "provider sent no sizes")
	}
	seqLen := uint64(len(resp.Sizes)) * blob.HashSize
	if seqLen > maxBytes {
		return nil, nil, getErrf(KindDecode, "hash sequence too large: %d bytes", seqLen)
	}
	raw := make([]byte, seqLen)
	if _, err := io.ReadFull(conn, raw); err != nil {
		return nil, nil, getErrf(KindHeader, "read hash sequence: %w", err)
	}
	if blob.HashBytes(raw) != root {
		return nil, nil, getErrf(KindDecode, "hash sequence does not match root %s", root.Short())
	}
	seq, err := blob.ParseHashSeq(raw)
	if err != nil {
		return nil, nil, getErrf(KindDecode, "parse hash sequence: %w", err)
	}
	return seq, resp.Sizes, nil
}

// Stats summarizes a completed fetch.
type Stats struct {
	Elapsed   time.Duration
	BytesRead uint64
}

type GetEventKind int

const (
	// GetEventProgress reports cumulative payload bytes fetched.
	GetEventProgress GetEventKind = iota
	// GetEventError aborts the fetch; no further events follow.
	GetEventError
	// GetEventDone completes the fetch and carries the stats.
	GetEventDone
)

type GetEvent struct {
	Kind   GetEventKind
	Offset uint64
	Stats  Stats
	Err    error
}

// GetStream streams the events of one ExecuteGet call. The channel closes
// after GetEventDone or GetEventError.
type GetStream struct {
	events chan GetEvent
}

func (g *GetStream) Events() <-chan GetEvent {
	return g.events
}

// ExecuteGet fetches the blobs at the given sequence indexes from the
// provider on conn and commits each one after verification. Offsets in
// progress events count payload bytes only, so index zero advances nothing.
// The caller owns conn and closes it on cancellation.
func (s *Store) ExecuteGet(ctx context.Context, conn io.ReadWriter, root blob.Hash, seq blob.HashSeq, indexes []int) *GetStream {
	g := &GetStream{events: make(chan GetEvent, 16)}
	go s.runGet(ctx, conn, root, seq, indexes, g)
	return g
}

func (s *Store) runGet(ctx context.Context, conn io.ReadWriter, root blob.Hash, seq blob.HashSeq, indexes []int, g *GetStream) {
	defer close(g.events)

	emit := func(ev GetEvent) bool {
		select {
		case g.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err *GetError) {
		emit(GetEvent{Kind: GetEventError, Err: err})
	}

	wanted := make(map[int]bool, len(indexes))
	for _, idx := range indexes {
		if idx < 0 || idx >= seq.Len() {
			fail(getErrf(KindLocal, "index %d outside sequence of %d", idx, seq.Len()))
			return
		}
		wanted[idx] = true
	}

	started := time.Now()
	req := transport.Request{Type: transport.RequestGet, Root: root, Indexes: indexes}
	if err := transport.WriteFrame(conn, req); err != nil {
		fail(getErrf(KindSend, "send get request: %w", err))
		return
	}

	var offset uint64
	received := 0
	buf := make([]byte, 64*1024)
	for {
		var hdr transport.BlobHeader
		if err := transport.ReadFrame(conn, &hdr); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				fail(getErrf(KindClosing, "stream closed after %d of %d blobs", received, len(indexes)))
				return
			}
			fail(getErrf(KindHeader, "read blob header: %w", err))
			return
		}
		if hdr.Error != "" {
			fail(getErrf(KindBadRequest, "provider refused: %s", hdr.Error))
			return
		}
		if hdr.Done {
			if received < len(indexes) {
				fail(getErrf(KindClosing, "provider finished after %d of %d blobs", received, len(indexes)))
				return
			}
			break
		}
		if !wanted[hdr.Index] {
			fail(getErrf(KindDecode, "unexpected blob index %d", hdr.Index))
			return
		}

		want := seq[hdr.Index]
		tmp, err := s.stage()
		if err != nil {
			fail(getErrf(KindLocal, "stage blob: %w", err))
			return
		}
		tmpName := tmp.Name()
		hasher := blob.NewHasher()
		remaining := hdr.Size
		readFailed := false
		for remaining > 0 {
			if ctx.Err() != nil {
				_ = tmp.Close()
				_ = os.Remove(tmpName)
				return
			}
			chunk := buf
			if remaining < uint64(len(chunk)) {
				chunk = chunk[:remaining]
			}
			if _, err := io.ReadFull(conn, chunk); err != nil {
				_ = tmp.Close()
				_ = os.Remove(tmpName)
				fail(getErrf(KindClosing, "read blob %d: %w", hdr.Index, err))
				readFailed = true
				break
			}
			if _, err := tmp.Write(chunk); err != nil {
				_ = tmp.Close()
				_ = os.Remove(tmpName)
				fail(getErrf(KindLocal, "write blob %d: %w", hdr.Index, err))
				readFailed = true
				break
			}
			hasher.Write(chunk)
			remaining -= uint64(len(chunk))
			if hdr.Index > 0 {
				offset += uint64(len(chunk))
				if !emit(GetEvent{Kind: GetEventProgress, Offset: offset}) {
					_ = tmp.Close()
					_ = os.Remove(tmpName)
					return
				}
			}
		}
		if readFailed {
			return
		}

		if got := blob.HashFrom(hasher); got != want {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			fail(getErrf(KindDecode, "blob %d failed verification: got %s want %s", hdr.Index, got.Short(), want.Short()))
			return
		}
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			fail(getErrf(KindLocal, "sync blob %d: %w", hdr.Index, err))
			return
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmpName)
			fail(getErrf(KindLocal, "close blob %d: %w", hdr.Index, err))
			return
		}
		if err := s.commit(tmpName, want); err != nil {
			fail(getErrf(KindLocal, "commit blob %d: %w", hdr.Index, err))
			return
		}
		delete(wanted, hdr.Index)
		received++
	}

	emit(GetEvent{Kind: GetEventDone, Stats: Stats{
		Elapsed:   time.Since(started),
		BytesRead: offset,
	}})
}
