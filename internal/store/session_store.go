package store

import "entropy/internal/domain"

// SessionFileStore keeps the X3DH session record for each peer in
// sessions.json.
type SessionFileStore struct {
	rows *table[domain.PeerID, domain.Session]
}

// NewSessionFileStore returns a SessionFileStore rooted at dir.
func NewSessionFileStore(dir string) *SessionFileStore {
	return &SessionFileStore{rows: newTable[domain.PeerID, domain.Session](dir, "sessions.json")}
}

func (s *SessionFileStore) SaveSession(peer domain.PeerID, session domain.Session) error {
	return s.rows.put(peer, session)
}

func (s *SessionFileStore) LoadSession(peer domain.PeerID) (domain.Session, bool, error) {
	return s.rows.get(peer)
}

func (s *SessionFileStore) DeleteSession(peer domain.PeerID) error {
	return s.rows.remove(peer)
}

var _ domain.SessionStore = (*SessionFileStore)(nil)
