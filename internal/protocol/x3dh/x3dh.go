package x3dh

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"entropy/internal/crypto"
	"entropy/internal/domain"
)

const rootInfo = "entropy-x3dh"

var (
	// ErrBadSPK is returned when the signed prekey signature does not verify.
	ErrBadSPK = errors.New("x3dh: signed prekey signature invalid")
	// ErrMissingOneTimeKey is returned when a prekey message names a one-time
	// key the responder no longer has.
	ErrMissingOneTimeKey = errors.New("x3dh: one-time prekey not available")
)

// InitiatorRoot verifies the bundle, picks its first one-time prekey if any,
// and derives the root key. It returns the ids of the prekeys used and the
// ephemeral public key for the PreKeyMessage.
func InitiatorRoot(
	id domain.Identity,
	bundle domain.PreKeyBundle,
) (
	root []byte,
	spkID domain.SignedPreKeyID,
	opkID domain.OneTimePreKeyID,
	ephPub domain.X25519Public,
	err error,
) {
	if !VerifySPK(bundle.SigningKey, bundle.SignedPreKey, bundle.SignedPreKeySignature) {
		return nil, "", "", ephPub, ErrBadSPK
	}
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, "", "", ephPub, err
	}
	defer crypto.Wipe(ephPriv[:])

	var opk *domain.X25519Public
	if len(bundle.OneTimePreKeys) > 0 {
		first := bundle.OneTimePreKeys[0]
		opk, opkID = &first.Pub, first.ID
	}

	dh1, err := crypto.DH(id.XPriv, bundle.SignedPreKey) // DH(IKA, SPKB)
	if err != nil {
		return nil, "", "", ephPub, err
	}
	dh2, err := crypto.DH(ephPriv, bundle.IdentityKey) // DH(EKA, IKB)
	if err != nil {
		return nil, "", "", ephPub, err
	}
	dh3, err := crypto.DH(ephPriv, bundle.SignedPreKey) // DH(EKA, SPKB)
	if err != nil {
		return nil, "", "", ephPub, err
	}
	transcript := [][32]byte{dh1, dh2, dh3}
	if opk != nil {
		dh4, err := crypto.DH(ephPriv, *opk) // DH(EKA, OPKB)
		if err != nil {
			return nil, "", "", ephPub, err
		}
		transcript = append(transcript, dh4)
	}
	return derive(transcript), bundle.SignedPreKeyID, opkID, ephPub, nil
}

// ResponderRoot recomputes the initiator's root key from the prekey message.
// opkPriv must be set when the message names a one-time prekey.
func ResponderRoot(
	id domain.Identity,
	spkPriv domain.X25519Private,
	opkPriv *domain.X25519Private,
	pm domain.PreKeyMessage,
) ([]byte, error) {
	if pm.OneTimePreKeyID != "" && opkPriv == nil {
		return nil, ErrMissingOneTimeKey
	}
	dh1, err := crypto.DH(spkPriv, pm.InitiatorIdentityKey)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(id.XPriv, pm.EphemeralKey)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(spkPriv, pm.EphemeralKey)
	if err != nil {
		return nil, err
	}
	transcript := [][32]byte{dh1, dh2, dh3}
	if opkPriv != nil {
		dh4, err := crypto.DH(*opkPriv, pm.EphemeralKey)
		if err != nil {
			return nil, err
		}
		transcript = append(transcript, dh4)
	}
	return derive(transcript), nil
}

// VerifySPK checks the signed prekey signature.
func VerifySPK(edPub domain.Ed25519Public, spk domain.X25519Public, sig []byte) bool {
	return crypto.VerifyEd25519(edPub, spk.Slice(), sig)
}

func derive(transcript [][32]byte) []byte {
	ikm := make([]byte, 0, 32*len(transcript))
	for i := range transcript {
		ikm = append(ikm, transcript[i][:]...)
		crypto.Wipe(transcript[i][:])
	}
	root := make([]byte, 32)
	_, _ = io.ReadFull(hkdf.New(sha256.New, ikm, nil, []byte(rootInfo)), root)
	crypto.Wipe(ikm)
	return root
}
