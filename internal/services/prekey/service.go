package prekey

import (
	"errors"

	"github.com/google/uuid"

	"entropy/internal/crypto"
	"entropy/internal/domain"
)

var ErrNoSignedPreKey = errors.New("no signed prekey available")

// Service manages the unlocked identity's prekeys and builds its public
// bundle.
type Service struct {
	id domain.Identity
	ps domain.PreKeyStore
	bs domain.PreKeyBundleStore
}

func New(id domain.Identity, ps domain.PreKeyStore, bs domain.PreKeyBundleStore) *Service {
	return &Service{id: id, ps: ps, bs: bs}
}

// GenerateAndStorePreKeys rotates the signed prekey and adds count one-time
// prekeys.
func (s *Service) GenerateAndStorePreKeys(count int) (domain.X25519Public, []domain.X25519Public, error) {
	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.X25519Public{}, nil, err
	}
	spkID := domain.SignedPreKeyID("spk-" + uuid.NewString())
	sig := crypto.SignEd25519(s.id.EdPriv, spkPub.Slice())
	if err := s.ps.SaveSignedPreKey(spkID, spkPriv, spkPub, sig); err != nil {
		return domain.X25519Public{}, nil, err
	}
	if err := s.ps.SetCurrentSignedPreKeyID(spkID); err != nil {
		return domain.X25519Public{}, nil, err
	}
	publics, err := s.addOneTime(count)
	if err != nil {
		return domain.X25519Public{}, nil, err
	}
	return spkPub, publics, nil
}

// Replenish tops the one-time prekey pool back up to target and reports how
// many keys it added. A missing signed prekey is generated as well.
func (s *Service) Replenish(target int) (int, error) {
	if _, ok, err := s.ps.CurrentSignedPreKeyID(); err != nil {
		return 0, err
	} else if !ok {
		_, pubs, err := s.GenerateAndStorePreKeys(target)
		return len(pubs), err
	}
	have, err := s.ps.ListOneTimePreKeyPublics()
	if err != nil {
		return 0, err
	}
	if len(have) >= target {
		return 0, nil
	}
	pubs, err := s.addOneTime(target - len(have))
	return len(pubs), err
}

func (s *Service) addOneTime(n int) ([]domain.X25519Public, error) {
	pairs := make([]domain.OneTimePreKeyPair, 0, n)
	publics := make([]domain.X25519Public, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, domain.OneTimePreKeyPair{
			ID:   domain.OneTimePreKeyID("opk-" + uuid.NewString()),
			Priv: priv,
			Pub:  pub,
		})
		publics = append(publics, pub)
	}
	if err := s.ps.SaveOneTimePreKeys(pairs); err != nil {
		return nil, err
	}
	return publics, nil
}

// LoadPreKeyBundle builds the public bundle from the current signed prekey
// and the unused one-time prekeys, and caches it.
func (s *Service) LoadPreKeyBundle() (domain.PreKeyBundle, error) {
	spkID, ok, err := s.ps.CurrentSignedPreKeyID()
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	if !ok {
		return domain.PreKeyBundle{}, ErrNoSignedPreKey
	}
	_, spkPub, sig, found, err := s.ps.LoadSignedPreKey(spkID)
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	if !found {
		return domain.PreKeyBundle{}, ErrNoSignedPreKey
	}
	oneTime, err := s.ps.ListOneTimePreKeyPublics()
	if err != nil {
		return domain.PreKeyBundle{}, err
	}

	b := domain.PreKeyBundle{
		Identity:              s.id.PeerID(),
		IdentityKey:           s.id.XPub,
		SigningKey:            s.id.EdPub,
		SignedPreKeyID:        spkID,
		SignedPreKey:          spkPub,
		SignedPreKeySignature: sig,
		OneTimePreKeys:        oneTime,
	}
	if err := s.bs.SavePreKeyBundle(b); err != nil {
		return domain.PreKeyBundle{}, err
	}
	return b, nil
}

var _ domain.PreKeyService = (*Service)(nil)
