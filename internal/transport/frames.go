package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/bruceblink/sendmer/internal/blob"
)

// Proto is the protocol identifier exchanged in every handshake.
const Proto = "sendmer/1"

// maxFrameSize bounds a single JSON frame. Blob payloads travel raw after
// their header frame and are not subject to this limit.
const maxFrameSize = 16 << 20

// Request types.
const (
	RequestSizes = "sizes"
	RequestGet   = "get"
)

// Handshake opens every connection: protocol id, the dialing node and a
// request id used for provider-side progress tracking.
type Handshake struct {
	Proto   string `json:"proto"`
	Node    string `json:"node"`
	Request string `json:"request"`
}

// Request asks the provider for collection sizes or blob content.
// Indexes selects hash-sequence entries for a get; empty means all.
type Request struct {
	Type    string    `json:"type"`
	Root    blob.Hash `json:"root"`
	Indexes []int     `json:"indexes,omitempty"`
}

// SizesResponse answers a sizes request. The raw hash-sequence bytes follow
// the frame (HashSize × len(Sizes) bytes) so the receiver can verify them
// against the root hash.
type SizesResponse struct {
	Sizes []uint64 `json:"sizes"`
	Error string   `json:"error,omitempty"`
}

// BlobHeader precedes each raw blob during a get, and doubles as the stream
// terminator (Done) or fault report (Error).
type BlobHeader struct {
	Index int    `json:"index"`
	Size  uint64 `json:"size"`
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`
}

// WriteFrame writes a 4-byte big-endian length followed by the JSON body.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(body))
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(body)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed JSON frame into v.
func ReadFrame(r io.Reader, v any) error {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(head[:])
	if n > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
