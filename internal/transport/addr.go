// Package transport provides the peer-to-peer endpoint: a TCP listener with
// STUN-discovered public addresses, an optional websocket relay path, and
// the framed wire protocol both sides speak. The transfer orchestrator only
// sees Endpoint, Conn and NodeAddr.
package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NodeID is the hex-encoded ed25519 public key identifying an endpoint.
type NodeID string

func (id NodeID) Short() string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

// NodeAddr is the publishable address descriptor carried inside tickets.
type NodeAddr struct {
	ID     NodeID   `json:"id"`
	Direct []string `json:"direct,omitempty"`
	Relay  string   `json:"relay,omitempty"`
}

// GenerateSecret returns a fresh hex-encoded ed25519 seed.
func GenerateSecret() (string, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(seed), nil
}

// KeyFromSecret derives the node identity from a hex seed. The same secret
// always yields the same NodeID.
func KeyFromSecret(secretHex string) (ed25519.PrivateKey, NodeID, error) {
	seed, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, "", fmt.Errorf("invalid secret: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, "", fmt.Errorf("invalid secret: got %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return priv, NodeID(hex.EncodeToString(pub)), nil
}
