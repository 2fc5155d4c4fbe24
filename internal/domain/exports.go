package domain

import (
	interfaces "entropy/internal/domain/interfaces"
	types "entropy/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	PeerID              = types.PeerID
	Fingerprint         = types.Fingerprint
	SignedPreKeyID      = types.SignedPreKeyID
	OneTimePreKeyID     = types.OneTimePreKeyID
	Identity            = types.Identity
	OneTimePreKeyPair   = types.OneTimePreKeyPair
	OneTimePreKeyPublic = types.OneTimePreKeyPublic
	PreKeyBundle        = types.PreKeyBundle
	PreKeyMessage       = types.PreKeyMessage
	Envelope            = types.Envelope
	CipherEnvelope      = types.CipherEnvelope
	RatchetHeader       = types.RatchetHeader
	RatchetState        = types.RatchetState
	Conversation        = types.Conversation
	Session             = types.Session
	RelaySession        = types.RelaySession
	X25519Public        = types.X25519Public
	X25519Private       = types.X25519Private
	Ed25519Public       = types.Ed25519Public
	Ed25519Private      = types.Ed25519Private

	Message          = types.Message
	MessageStatus    = types.MessageStatus
	MessageKind      = types.MessageKind
	Attachment       = types.Attachment
	ConnectionStatus = types.ConnectionStatus
	MediaKind        = types.MediaKind
	CallDirection    = types.CallDirection
	CallStatus       = types.CallStatus
	CallOutcome      = types.CallOutcome
	CallLog          = types.CallLog

	Event                   = types.Event
	ConnectionStatusChanged = types.ConnectionStatusChanged
	MessageAppended         = types.MessageAppended
	MessageUpdated          = types.MessageUpdated
	PresenceChanged         = types.PresenceChanged
	TypingChanged           = types.TypingChanged
	ProfileChanged          = types.ProfileChanged
	GroupChanged            = types.GroupChanged
	CallStateChanged        = types.CallStateChanged
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	IdentityService   = interfaces.IdentityService
	PreKeyService     = interfaces.PreKeyService
	CryptoSession     = interfaces.CryptoSession
	Presenter         = interfaces.Presenter
	PreKeyDirectory   = interfaces.PreKeyDirectory
	IdentityStore     = interfaces.IdentityStore
	PreKeyStore       = interfaces.PreKeyStore
	PreKeyBundleStore = interfaces.PreKeyBundleStore
	SessionStore      = interfaces.SessionStore
	RatchetStore      = interfaces.RatchetStore
	TokenStore        = interfaces.TokenStore
	Vault             = interfaces.Vault
)

// Re-exported constants used across packages.
const (
	PeerIDLength    = types.PeerIDLength
	EnvelopeWhisper = types.EnvelopeWhisper
	EnvelopePreKey  = types.EnvelopePreKey

	StatusSending   = types.StatusSending
	StatusSent      = types.StatusSent
	StatusDelivered = types.StatusDelivered
	StatusRead      = types.StatusRead
	StatusFailed    = types.StatusFailed

	KindText      = types.KindText
	KindFile      = types.KindFile
	KindVoiceNote = types.KindVoiceNote
	KindCallLog   = types.KindCallLog
	KindSystem    = types.KindSystem

	ConnDisconnected  = types.ConnDisconnected
	ConnConnecting    = types.ConnConnecting
	ConnConnected     = types.ConnConnected
	ConnAuthenticated = types.ConnAuthenticated

	MediaVoice = types.MediaVoice
	MediaVideo = types.MediaVideo

	CallOutgoing = types.CallOutgoing
	CallIncoming = types.CallIncoming

	CallIdle      = types.CallIdle
	CallCalling   = types.CallCalling
	CallRinging   = types.CallRinging
	CallConnected = types.CallConnected
	CallEnded     = types.CallEnded

	OutcomeCompleted = types.OutcomeCompleted
	OutcomeDeclined  = types.OutcomeDeclined
	OutcomeMissed    = types.OutcomeMissed
)

// ErrIdentityChanged reports a peer whose identity key changed.
var ErrIdentityChanged = types.ErrIdentityChanged

// PeerIDFromKey derives the routing id for an identity public key.
func PeerIDFromKey(pub X25519Public) PeerID { return types.PeerIDFromKey(pub) }
