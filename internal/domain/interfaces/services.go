package interfaces

import (
	"context"

	domaintypes "entropy/internal/domain/types"
)

// IdentityService creates, retrieves, and inspects your identity keys.
type IdentityService interface {
	GenerateIdentity(passphrase string) (
		domaintypes.Identity,
		domaintypes.Fingerprint,
		error,
	)
	LoadIdentity(passphrase string) (domaintypes.Identity, error)
	FingerprintIdentity(passphrase string) (domaintypes.Fingerprint, error)
}

// PreKeyService generates and assembles your pre-key bundles.
type PreKeyService interface {
	GenerateAndStorePreKeys(count int) (
		domaintypes.X25519Public,
		[]domaintypes.X25519Public,
		error,
	)
	LoadPreKeyBundle() (domaintypes.PreKeyBundle, error)
}

// CryptoSession provides per-peer encrypted sessions.
//
// EstablishSession is idempotent per peer and concurrent calls for the same
// peer share one attempt. Decrypt never changes session state when it fails.
type CryptoSession interface {
	Encrypt(ctx context.Context, peer domaintypes.PeerID, plaintext []byte) (domaintypes.CipherEnvelope, error)
	Decrypt(ctx context.Context, peer domaintypes.PeerID, env domaintypes.CipherEnvelope) ([]byte, error)
	EstablishSession(ctx context.Context, peer domaintypes.PeerID) error
	HasSession(peer domaintypes.PeerID) bool
}

// Presenter receives notifications. Calls happen on the event loop and must
// not block.
type Presenter interface {
	Notify(ev domaintypes.Event)
}
