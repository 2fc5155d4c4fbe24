package interfaces

import domaintypes "entropy/internal/domain/types"

// IdentityStore persists your long-term identity keys.
type IdentityStore interface {
	SaveIdentity(passphrase string, id domaintypes.Identity) error
	LoadIdentity(passphrase string) (domaintypes.Identity, error)
}

// PreKeyStore manages signed and one-time pre-keys on disk.
type PreKeyStore interface {
	// Signed pre-key
	SaveSignedPreKey(
		id domaintypes.SignedPreKeyID,
		priv domaintypes.X25519Private,
		pub domaintypes.X25519Public,
		sig []byte,
	) error
	LoadSignedPreKey(
		id domaintypes.SignedPreKeyID,
	) (
		priv domaintypes.X25519Private,
		pub domaintypes.X25519Public,
		sig []byte,
		ok bool,
		err error,
	)

	// One-time pre-keys
	SaveOneTimePreKeys(pairs []domaintypes.OneTimePreKeyPair) error
	LoadOneTimePreKey(id domaintypes.OneTimePreKeyID) (
		priv domaintypes.X25519Private,
		ok bool,
		err error,
	)
	ConsumeOneTimePreKey(id domaintypes.OneTimePreKeyID) (
		priv domaintypes.X25519Private,
		pub domaintypes.X25519Public,
		ok bool,
		err error,
	)
	ListOneTimePreKeyPublics() ([]domaintypes.OneTimePreKeyPublic, error)

	// Current signed pre-key selection
	SetCurrentSignedPreKeyID(id domaintypes.SignedPreKeyID) error
	CurrentSignedPreKeyID() (domaintypes.SignedPreKeyID, bool, error)
}

// PreKeyBundleStore caches the last bundle you registered.
type PreKeyBundleStore interface {
	SavePreKeyBundle(bundle domaintypes.PreKeyBundle) error
	LoadPreKeyBundle(identity domaintypes.PeerID) (domaintypes.PreKeyBundle, bool, error)
}

// SessionStore persists established X3DH sessions.
type SessionStore interface {
	SaveSession(peer domaintypes.PeerID, session domaintypes.Session) error
	LoadSession(peer domaintypes.PeerID) (domaintypes.Session, bool, error)
	DeleteSession(peer domaintypes.PeerID) error
}

// RatchetStore keeps per-peer Double-Ratchet state.
type RatchetStore interface {
	SaveConversation(peer domaintypes.PeerID, conversation domaintypes.Conversation) error
	LoadConversation(peer domaintypes.PeerID) (domaintypes.Conversation, bool, error)
	DeleteConversation(peer domaintypes.PeerID) error
}

// TokenStore keeps the relay session token per relay and identity.
type TokenStore interface {
	SaveRelaySession(session domaintypes.RelaySession) error
	LoadRelaySession(serverURL string, identity domaintypes.PeerID) (domaintypes.RelaySession, bool, error)
	ClearRelaySession(serverURL string, identity domaintypes.PeerID) error
}

// Vault is the key-value store for attachments and conversation snapshots.
// Get reports ok=false for a missing id.
type Vault interface {
	Put(id string, data []byte) error
	Get(id string) (data []byte, ok bool, err error)
	Delete(id string) error
}
