package types

// X25519Public is a Curve25519 public key used for key agreement.
type X25519Public [32]byte

// X25519Private is a clamped Curve25519 private key.
type X25519Private [32]byte

// Ed25519Public verifies prekey signatures.
type Ed25519Public [32]byte

// Ed25519Private is the 64-byte seed-and-public form used by crypto/ed25519.
type Ed25519Private [64]byte

func (k X25519Public) Slice() []byte   { return k[:] }
func (k X25519Private) Slice() []byte  { return k[:] }
func (k Ed25519Public) Slice() []byte  { return k[:] }
func (k Ed25519Private) Slice() []byte { return k[:] }

// Identity is the device's long-term key material. Only the public halves
// ever leave the device, inside a PreKeyBundle.
type Identity struct {
	XPub   X25519Public   `json:"xpub"`
	XPriv  X25519Private  `json:"xpriv"`
	EdPub  Ed25519Public  `json:"edpub"`
	EdPriv Ed25519Private `json:"edpriv"`
}

// PeerID is the routing id peers address this identity by.
func (id Identity) PeerID() PeerID { return PeerIDFromKey(id.XPub) }
