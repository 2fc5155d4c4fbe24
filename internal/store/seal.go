package store

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	sealVersion = 2
	saltSize    = 16
)

var (
	// ErrWrongPassphrase is returned when a passphrase-sealed file does not
	// open. A corrupted file looks the same.
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted file")
	// ErrCorruptBlob is returned when a vault blob fails authentication.
	ErrCorruptBlob = errors.New("vault blob corrupted or wrong key")
)

type kdfParams struct {
	N int `json:"scrypt_n"`
	R int `json:"scrypt_r"`
	P int `json:"scrypt_p"`
}

var defaultKDF = kdfParams{N: 1 << 15, R: 8, P: 1}

// KDFOption tunes the scrypt cost used when a passphrase-sealed file is
// first created. Existing files keep the cost they were written with.
type KDFOption func(*kdfParams)

// WithScryptParams sets the scrypt cost. Tests use it to keep key
// derivation fast.
func WithScryptParams(n, r, p int) KDFOption {
	return func(k *kdfParams) { *k = kdfParams{N: n, R: r, P: p} }
}

func kdfFrom(opts []KDFOption) kdfParams {
	k := defaultKDF
	for _, opt := range opts {
		opt(&k)
	}
	return k
}

// passphraseBlob is the on-disk form of anything sealed under a passphrase.
type passphraseBlob struct {
	V    int    `json:"v"`
	Salt []byte `json:"salt"`
	kdfParams
	Cipher []byte `json:"cipher"`
}

func (k kdfParams) derive(passphrase string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, k.N, k.R, k.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// sealPassphrase derives a fresh key for passphrase and seals raw under it.
// The derived key is returned so callers can seal further data with it.
func sealPassphrase(passphrase string, raw, ad []byte, k kdfParams) (passphraseBlob, []byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return passphraseBlob{}, nil, err
	}
	key, err := k.derive(passphrase, salt)
	if err != nil {
		return passphraseBlob{}, nil, err
	}
	ct, err := sealWithKey(key, raw, ad)
	if err != nil {
		return passphraseBlob{}, nil, err
	}
	return passphraseBlob{V: sealVersion, Salt: salt, kdfParams: k, Cipher: ct}, key, nil
}

// open returns the plaintext and the derived key.
func (b passphraseBlob) open(passphrase string, ad []byte) ([]byte, []byte, error) {
	if b.V != sealVersion {
		return nil, nil, fmt.Errorf("unsupported sealed file version %d", b.V)
	}
	key, err := b.derive(passphrase, b.Salt)
	if err != nil {
		return nil, nil, err
	}
	pt, err := openWithKey(key, b.Cipher, ad)
	if err != nil {
		return nil, nil, ErrWrongPassphrase
	}
	return pt, key, nil
}

// sealWithKey encrypts raw with XChaCha20-Poly1305 under a random nonce,
// which is prepended to the result. ad binds the ciphertext to its id.
func sealWithKey(key, raw, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(raw)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, raw, ad), nil
}

func openWithKey(key, sealed, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCorruptBlob
	}
	pt, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], ad)
	if err != nil {
		return nil, ErrCorruptBlob
	}
	return pt, nil
}
