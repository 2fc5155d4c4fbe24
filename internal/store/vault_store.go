package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"entropy/internal/domain"
)

const (
	vaultDir      = "vault"
	vaultMetaFile = "vault.json"
	vaultCheck    = "entropy-vault"
)

// VaultFileStore keeps one encrypted file per id. The key is derived once
// from the passphrase with scrypt; each blob is sealed with
// XChaCha20-Poly1305 under a random nonce, bound to its id.
type VaultFileStore struct {
	dir string
	key []byte
	mu  sync.Mutex
}

// OpenVault opens or creates the vault under home. A wrong passphrase for an
// existing vault fails here rather than on the first read.
func OpenVault(home, passphrase string, opts ...KDFOption) (*VaultFileStore, error) {
	dir := filepath.Join(home, vaultDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	metaPath := filepath.Join(dir, vaultMetaFile)

	var meta passphraseBlob
	if err := loadJSON(metaPath, &meta); err != nil {
		return nil, fmt.Errorf("read vault meta: %w", err)
	}
	if meta.V == 0 {
		fresh, key, err := sealPassphrase(passphrase, []byte(vaultCheck), []byte(vaultMetaFile), kdfFrom(opts))
		if err != nil {
			return nil, err
		}
		if err := saveJSON(metaPath, fresh); err != nil {
			return nil, err
		}
		return &VaultFileStore{dir: dir, key: key}, nil
	}
	_, key, err := meta.open(passphrase, []byte(vaultMetaFile))
	if err != nil {
		return nil, err
	}
	return &VaultFileStore{dir: dir, key: key}, nil
}

// Put stores data under id, replacing any previous value.
func (v *VaultFileStore) Put(id string, data []byte) error {
	sealed, err := sealWithKey(v.key, data, []byte(id))
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return saveFile(v.path(id), sealed)
}

// Get returns the value for id; ok is false when nothing is stored.
func (v *VaultFileStore) Get(id string) ([]byte, bool, error) {
	v.mu.Lock()
	sealed, err := loadFile(v.path(id))
	v.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	if sealed == nil {
		return nil, false, nil
	}
	data, err := openWithKey(v.key, sealed, []byte(id))
	if err != nil {
		return nil, false, fmt.Errorf("vault get %q: %w", id, err)
	}
	return data, true, nil
}

// Delete removes id. Deleting a missing id is not an error.
func (v *VaultFileStore) Delete(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	err := os.Remove(v.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (v *VaultFileStore) path(id string) string {
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(v.dir, hex.EncodeToString(sum[:])+".blob")
}

// Compile-time assertion that VaultFileStore implements domain.Vault.
var _ domain.Vault = (*VaultFileStore)(nil)
