package blob

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// DisplayFormat selects how hashes are printed to the user.
type DisplayFormat string

const (
	// FormatHex prints the raw 64-character hex digest.
	FormatHex DisplayFormat = "hex"
	// FormatCID prints a CIDv1 with the raw codec and a BLAKE3 multihash.
	FormatCID DisplayFormat = "cid"
)

func ParseDisplayFormat(s string) (DisplayFormat, error) {
	switch DisplayFormat(s) {
	case FormatHex, FormatCID:
		return DisplayFormat(s), nil
	default:
		return "", fmt.Errorf("unknown hash format %q (hex|cid)", s)
	}
}

// FormatHash renders h per the chosen display format. The format never
// changes the underlying identity, only the spelling.
func FormatHash(h Hash, f DisplayFormat) string {
	if f == FormatCID {
		encoded, err := mh.Encode(h[:], mh.BLAKE3)
		if err != nil {
			return h.String()
		}
		return cid.NewCidV1(cid.Raw, encoded).String()
	}
	return h.String()
}
