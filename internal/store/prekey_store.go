package store

import (
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"entropy/internal/domain"
)

// PrekeyFileStore keeps every signed and one-time prekey of this device in a
// single prekeys.json document. One instance must be shared by all users of
// a home directory.
type PrekeyFileStore struct {
	mu   sync.Mutex
	path string
}

func NewPrekeyFileStore(dir string) *PrekeyFileStore {
	return &PrekeyFileStore{path: filepath.Join(dir, "prekeys.json")}
}

type prekeyDoc struct {
	Current domain.SignedPreKeyID                     `json:"current,omitempty"`
	Signed  map[domain.SignedPreKeyID]signedPreKeyRow `json:"signed"`
	OneTime map[domain.OneTimePreKeyID]keyPairRow     `json:"one_time"`
}

type signedPreKeyRow struct {
	keyPairRow
	Sig []byte `json:"sig"`
}

type keyPairRow struct {
	Priv domain.X25519Private `json:"priv"`
	Pub  domain.X25519Public  `json:"pub"`
}

func (s *PrekeyFileStore) read() (prekeyDoc, error) {
	doc := prekeyDoc{
		Signed:  make(map[domain.SignedPreKeyID]signedPreKeyRow),
		OneTime: make(map[domain.OneTimePreKeyID]keyPairRow),
	}
	if err := loadJSON(s.path, &doc); err != nil {
		return prekeyDoc{}, err
	}
	return doc, nil
}

func (s *PrekeyFileStore) view(fn func(prekeyDoc)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	fn(doc)
	return nil
}

func (s *PrekeyFileStore) edit(fn func(*prekeyDoc) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	if !fn(&doc) {
		return nil
	}
	return saveJSON(s.path, doc)
}

func (s *PrekeyFileStore) SaveSignedPreKey(id domain.SignedPreKeyID, priv domain.X25519Private, pub domain.X25519Public, sig []byte) error {
	return s.edit(func(d *prekeyDoc) bool {
		d.Signed[id] = signedPreKeyRow{keyPairRow: keyPairRow{Priv: priv, Pub: pub}, Sig: sig}
		return true
	})
}

func (s *PrekeyFileStore) LoadSignedPreKey(id domain.SignedPreKeyID) (priv domain.X25519Private, pub domain.X25519Public, sig []byte, ok bool, err error) {
	err = s.view(func(d prekeyDoc) {
		var row signedPreKeyRow
		if row, ok = d.Signed[id]; ok {
			priv, pub, sig = row.Priv, row.Pub, row.Sig
		}
	})
	return priv, pub, sig, ok && err == nil, err
}

// SaveOneTimePreKeys adds pairs, replacing any with the same id.
func (s *PrekeyFileStore) SaveOneTimePreKeys(pairs []domain.OneTimePreKeyPair) error {
	if len(pairs) == 0 {
		return nil
	}
	return s.edit(func(d *prekeyDoc) bool {
		for _, p := range pairs {
			d.OneTime[p.ID] = keyPairRow{Priv: p.Priv, Pub: p.Pub}
		}
		return true
	})
}

// LoadOneTimePreKey peeks at a one-time key without spending it.
func (s *PrekeyFileStore) LoadOneTimePreKey(id domain.OneTimePreKeyID) (priv domain.X25519Private, ok bool, err error) {
	err = s.view(func(d prekeyDoc) {
		var row keyPairRow
		if row, ok = d.OneTime[id]; ok {
			priv = row.Priv
		}
	})
	return priv, ok && err == nil, err
}

// ConsumeOneTimePreKey removes id so it can never serve a second handshake.
func (s *PrekeyFileStore) ConsumeOneTimePreKey(id domain.OneTimePreKeyID) (priv domain.X25519Private, pub domain.X25519Public, ok bool, err error) {
	err = s.edit(func(d *prekeyDoc) bool {
		var row keyPairRow
		if row, ok = d.OneTime[id]; ok {
			priv, pub = row.Priv, row.Pub
			delete(d.OneTime, id)
		}
		return ok
	})
	if err != nil {
		return domain.X25519Private{}, domain.X25519Public{}, false, err
	}
	return priv, pub, ok, nil
}

// ListOneTimePreKeyPublics returns the public halves ordered by id.
func (s *PrekeyFileStore) ListOneTimePreKeyPublics() ([]domain.OneTimePreKeyPublic, error) {
	var out []domain.OneTimePreKeyPublic
	err := s.view(func(d prekeyDoc) {
		out = make([]domain.OneTimePreKeyPublic, 0, len(d.OneTime))
		for id, row := range d.OneTime {
			out = append(out, domain.OneTimePreKeyPublic{ID: id, Pub: row.Pub})
		}
	})
	slices.SortFunc(out, func(a, b domain.OneTimePreKeyPublic) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out, err
}

func (s *PrekeyFileStore) SetCurrentSignedPreKeyID(id domain.SignedPreKeyID) error {
	return s.edit(func(d *prekeyDoc) bool {
		changed := d.Current != id
		d.Current = id
		return changed
	})
}

func (s *PrekeyFileStore) CurrentSignedPreKeyID() (id domain.SignedPreKeyID, ok bool, err error) {
	err = s.view(func(d prekeyDoc) { id = d.Current })
	return id, id != "" && err == nil, err
}

var _ domain.PreKeyStore = (*PrekeyFileStore)(nil)
