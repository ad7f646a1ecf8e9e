package ticket

import (
	"fmt"

	"github.com/bruceblink/sendmer/internal/transport"
)

// AddrOptions selects which reachability hints a ticket advertises.
type AddrOptions int

const (
	// RelayAndAddresses advertises every known hint.
	RelayAndAddresses AddrOptions = iota
	// Id advertises only the node identity.
	Id
	// Relay advertises the relay hint and drops direct addresses.
	Relay
	// Addresses advertises direct addresses and drops the relay hint.
	Addresses
)

func (o AddrOptions) String() string {
	switch o {
	case Id:
		return "id"
	case RelayAndAddresses:
		return "relay-and-addresses"
	case Relay:
		return "relay"
	case Addresses:
		return "addresses"
	default:
		return "unknown"
	}
}

// ParseAddrOptions maps a CLI flag value to an AddrOptions.
func ParseAddrOptions(s string) (AddrOptions, error) {
	switch s {
	case "id":
		return Id, nil
	case "relay-and-addresses":
		return RelayAndAddresses, nil
	case "relay":
		return Relay, nil
	case "addresses":
		return Addresses, nil
	default:
		return RelayAndAddresses, fmt.Errorf("unknown address type %q", s)
	}
}

// ApplyOptions filters addr down to the hints the policy allows. The node
// identity always survives.
func ApplyOptions(addr transport.NodeAddr, opts AddrOptions) transport.NodeAddr {
	out := transport.NodeAddr{ID: addr.ID}
	switch opts {
	case Id:
	case Relay:
		out.Relay = addr.Relay
	case Addresses:
		out.Direct = append(out.Direct, addr.Direct...)
	default:
		out.Relay = addr.Relay
		out.Direct = append(out.Direct, addr.Direct...)
	}
	return out
}
