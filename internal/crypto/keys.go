package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"entropy/internal/domain"
)

// GenerateX25519 returns a fresh key pair with the private scalar clamped
// as RFC 7748 requires.
func GenerateX25519() (domain.X25519Private, domain.X25519Public, error) {
	var priv domain.X25519Private
	if _, err := rand.Read(priv[:]); err != nil {
		return priv, domain.X25519Public{}, fmt.Errorf("x25519 keygen: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	var pub domain.X25519Public
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("x25519 keygen: %w", err)
	}
	copy(pub[:], out)
	return priv, pub, nil
}

// DH returns the X25519 shared secret. It fails on a low-order peer key.
// Callers Wipe the result once it has been fed to a KDF.
func DH(priv domain.X25519Private, pub domain.X25519Public) ([32]byte, error) {
	var secret [32]byte
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return secret, fmt.Errorf("x25519: %w", err)
	}
	copy(secret[:], out)
	Wipe(out)
	return secret, nil
}

func GenerateEd25519() (domain.Ed25519Private, domain.Ed25519Public, error) {
	var (
		priv domain.Ed25519Private
		pub  domain.Ed25519Public
	)
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return priv, pub, fmt.Errorf("ed25519 keygen: %w", err)
	}
	copy(priv[:], sk)
	copy(pub[:], pk)
	return priv, pub, nil
}

func SignEd25519(priv domain.Ed25519Private, msg []byte) []byte {
	return ed25519.Sign(priv[:], msg)
}

func VerifyEd25519(pub domain.Ed25519Public, msg, sig []byte) bool {
	return ed25519.Verify(pub[:], msg, sig)
}
