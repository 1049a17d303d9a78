package p2p

import (
	"crypto/rand"
	"fmt"
)

// NewPeerID generates a fresh local identity: PeerIDSize cryptographically
// random bytes with the low bit of the last byte forced to 1, distinguishing
// genuine identities from the all-zero placeholder used before handshake.
func NewPeerID() ([]byte, error) {
	id := make([]byte, PeerIDSize)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("p2p: generate peer id: %w", err)
	}
	id[len(id)-1] |= 1
	return id, nil
}

// IsValidPeerID reports whether id has the right length and the identity
// marker bit set.
func IsValidPeerID(id []byte) bool {
	return len(id) == PeerIDSize && id[len(id)-1]&1 == 1
}
