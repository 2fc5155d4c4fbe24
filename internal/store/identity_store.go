package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"

	"entropy/internal/crypto"
	"entropy/internal/domain"
)

const identityAD = "entropy-identity"

// ErrNoIdentity is returned when no identity has been created yet.
var ErrNoIdentity = errors.New("no identity found; run init first")

// IdentityFileStore keeps the long-term keys in identity.json, sealed under
// the user's passphrase.
type IdentityFileStore struct {
	mu   sync.Mutex
	path string
	kdf  kdfParams
}

func NewIdentityFileStore(dir string, opts ...KDFOption) *IdentityFileStore {
	return &IdentityFileStore{path: filepath.Join(dir, "identity.json"), kdf: kdfFrom(opts)}
}

func (s *IdentityFileStore) SaveIdentity(passphrase string, id domain.Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	defer crypto.Wipe(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, key, err := sealPassphrase(passphrase, raw, []byte(identityAD), s.kdf)
	if err != nil {
		return err
	}
	crypto.Wipe(key)
	return saveJSON(s.path, sealed)
}

// LoadIdentity fails with ErrWrongPassphrase when the file does not open.
func (s *IdentityFileStore) LoadIdentity(passphrase string) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := loadFile(s.path)
	if err != nil {
		return domain.Identity{}, err
	}
	if raw == nil {
		return domain.Identity{}, ErrNoIdentity
	}
	var sealed passphraseBlob
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return domain.Identity{}, ErrWrongPassphrase
	}
	pt, key, err := sealed.open(passphrase, []byte(identityAD))
	if err != nil {
		return domain.Identity{}, err
	}
	crypto.Wipe(key)
	defer crypto.Wipe(pt)

	var id domain.Identity
	if err := json.Unmarshal(pt, &id); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}

var _ domain.IdentityStore = (*IdentityFileStore)(nil)
