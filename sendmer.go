// Package sendmer provides peer-to-peer file sharing: a sender imports a
// path into a content-addressed store and serves it, a receiver turns the
// resulting ticket back into verified files on disk. This package is the
// embedding API; the sendmer binary under cmd/ is a thin wrapper over it.
package sendmer

import (
	"context"

	"github.com/bruceblink/sendmer/internal/blob"
	"github.com/bruceblink/sendmer/internal/event"
	"github.com/bruceblink/sendmer/internal/ticket"
	"github.com/bruceblink/sendmer/internal/transfer"
)

// Re-export commonly used types for convenience
type (
	Hash       = blob.Hash
	Collection = blob.Collection
	Entry      = blob.Entry

	Ticket      = ticket.Ticket
	AddrOptions = ticket.AddrOptions

	Event   = event.Event
	Emitter = event.Emitter
	Role    = event.Role
	State   = event.State

	SendOptions    = transfer.SendOptions
	ReceiveOptions = transfer.ReceiveOptions
	Share          = transfer.Share
	ReceiveResult  = transfer.ReceiveResult

	NetworkError        = transfer.NetworkError
	ImportError         = transfer.ImportError
	ExportConflictError = transfer.ExportConflictError
	ExportError         = transfer.ExportError
)

// Re-export constants
const (
	RelayAndAddresses = ticket.RelayAndAddresses
	Id                = ticket.Id
	Relay             = ticket.Relay
	Addresses         = ticket.Addresses

	RoleSender   = event.RoleSender
	RoleReceiver = event.RoleReceiver
)

// ErrCancelled reports a user interrupt during Send or Receive.
var ErrCancelled = transfer.ErrCancelled

// Send imports path and serves it until the returned Share is closed
// (convenience wrapper)
func Send(ctx context.Context, path string, opts SendOptions) (*Share, error) {
	return transfer.Send(ctx, path, opts)
}

// Receive fetches a ticket's transfer into outputDir (convenience wrapper)
func Receive(ctx context.Context, ticketStr string, opts ReceiveOptions) (*ReceiveResult, error) {
	return transfer.Receive(ctx, ticketStr, opts)
}

// ParseTicket parses the printed ticket form (convenience wrapper)
func ParseTicket(s string) (*Ticket, error) {
	return ticket.Parse(s)
}

// ParseAddrOptions parses an --addr-type value (convenience wrapper)
func ParseAddrOptions(s string) (AddrOptions, error) {
	return ticket.ParseAddrOptions(s)
}
