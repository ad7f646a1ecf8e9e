// Package ticket encodes everything a receiver needs to fetch a transfer:
// how to reach the provider and which root hash to ask for.
package ticket

import (
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/bruceblink/sendmer/internal/blob"
	"github.com/bruceblink/sendmer/internal/transport"
)

// Prefix starts every ticket string.
const Prefix = "sendmer"

// FormatHashSeq marks the transfer as a hash sequence. Every ticket carries
// it, including single-file transfers.
const FormatHashSeq = "hashseq"

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

type Ticket struct {
	Addr   transport.NodeAddr `json:"addr"`
	Root   blob.Hash          `json:"root"`
	Format string             `json:"format"`
}

// New builds a ticket for root reachable at addr.
func New(addr transport.NodeAddr, root blob.Hash) *Ticket {
	return &Ticket{Addr: addr, Root: root, Format: FormatHashSeq}
}

// String renders the ticket as the prefix followed by unpadded lowercase
// base32 of the JSON body.
func (t *Ticket) String() string {
	body, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	return Prefix + strings.ToLower(encoding.EncodeToString(body))
}

// Parse decodes a ticket string produced by String.
func Parse(s string) (*Ticket, error) {
	if !strings.HasPrefix(s, Prefix) {
		return nil, fmt.Errorf("not a %s ticket", Prefix)
	}
	body := s[len(Prefix):]
	if body == "" {
		return nil, errors.New("empty ticket body")
	}
	raw, err := encoding.DecodeString(strings.ToUpper(body))
	if err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	var t Ticket
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse ticket: %w", err)
	}
	if t.Format != FormatHashSeq {
		return nil, fmt.Errorf("unsupported ticket format %q", t.Format)
	}
	if t.Root.IsZero() {
		return nil, errors.New("ticket has no root hash")
	}
	if t.Addr.ID == "" {
		return nil, errors.New("ticket has no node id")
	}
	return &t, nil
}
