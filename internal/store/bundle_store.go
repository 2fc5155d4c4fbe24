package store

import (
	"path/filepath"
	"sync"

	"entropy/internal/domain"
)

// BundleFileStore holds the last prekey bundle this device published.
type BundleFileStore struct {
	mu   sync.Mutex
	path string
}

func NewBundleFileStore(dir string) *BundleFileStore {
	return &BundleFileStore{path: filepath.Join(dir, "bundle.json")}
}

func (s *BundleFileStore) SavePreKeyBundle(b domain.PreKeyBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveJSON(s.path, b)
}

// LoadPreKeyBundle ignores a bundle left behind by a different identity.
func (s *BundleFileStore) LoadPreKeyBundle(identity domain.PeerID) (domain.PreKeyBundle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b domain.PreKeyBundle
	if err := loadJSON(s.path, &b); err != nil {
		return domain.PreKeyBundle{}, false, err
	}
	if b.Identity == "" || b.Identity != identity {
		return domain.PreKeyBundle{}, false, nil
	}
	return b, true, nil
}

var _ domain.PreKeyBundleStore = (*BundleFileStore)(nil)
