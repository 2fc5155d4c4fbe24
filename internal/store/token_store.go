package store

import "entropy/internal/domain"

// TokenFileStore remembers the relay session token issued to each identity
// by each relay, so a reconnect can resume without a fresh auth round.
type TokenFileStore struct {
	rows *table[string, domain.RelaySession]
}

func NewTokenFileStore(dir string) *TokenFileStore {
	return &TokenFileStore{rows: newTable[string, domain.RelaySession](dir, "relay_sessions.json")}
}

func (s *TokenFileStore) SaveRelaySession(session domain.RelaySession) error {
	return s.rows.put(tokenKey(session.ServerURL, session.Identity), session)
}

// LoadRelaySession reports ok only when a non-empty token is on file.
func (s *TokenFileStore) LoadRelaySession(serverURL string, identity domain.PeerID) (domain.RelaySession, bool, error) {
	session, ok, err := s.rows.get(tokenKey(serverURL, identity))
	if err != nil || !ok || session.Token == "" {
		return domain.RelaySession{}, false, err
	}
	return session, true, nil
}

func (s *TokenFileStore) ClearRelaySession(serverURL string, identity domain.PeerID) error {
	return s.rows.remove(tokenKey(serverURL, identity))
}

func tokenKey(serverURL string, identity domain.PeerID) string {
	return serverURL + "|" + string(identity)
}

var _ domain.TokenStore = (*TokenFileStore)(nil)
