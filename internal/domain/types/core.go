package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// PeerIDLength is the width of a routing identifier in hex characters.
const PeerIDLength = 64

// PeerID is the relay routing identifier of a peer or group: the hex SHA-256
// of the peer's X25519 identity key. Group ids share the namespace.
type PeerID string

// String returns the string form of the peer id.
func (p PeerID) String() string { return string(p) }

// Routing strips an optional ".device" suffix.
func (p PeerID) Routing() PeerID {
	if i := strings.IndexByte(string(p), '.'); i >= 0 {
		return p[:i]
	}
	return p
}

// Valid reports whether the routing form is exactly 64 hex characters.
func (p PeerID) Valid() bool {
	r := p.Routing()
	if len(r) != PeerIDLength {
		return false
	}
	_, err := hex.DecodeString(string(r))
	return err == nil
}

// PeerIDFromKey derives the routing id for an identity public key.
func PeerIDFromKey(pub X25519Public) PeerID {
	sum := sha256.Sum256(pub[:])
	return PeerID(hex.EncodeToString(sum[:]))
}

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// SignedPreKeyID uniquely identifies a signed pre-key.
type SignedPreKeyID string

// String returns the string form of the identifier.
func (id SignedPreKeyID) String() string { return string(id) }

// OneTimePreKeyID uniquely identifies a one-time pre-key.
type OneTimePreKeyID string

// String returns the string form of the identifier.
func (id OneTimePreKeyID) String() string { return string(id) }
