package store

import "entropy/internal/domain"

// RatchetFileStore keeps Double Ratchet state per peer. State is written
// after every encrypt and decrypt, so a restart resumes mid-chain.
type RatchetFileStore struct {
	rows *table[domain.PeerID, domain.Conversation]
}

func NewRatchetFileStore(dir string) *RatchetFileStore {
	return &RatchetFileStore{rows: newTable[domain.PeerID, domain.Conversation](dir, "ratchets.json")}
}

func (s *RatchetFileStore) SaveConversation(peer domain.PeerID, conv domain.Conversation) error {
	return s.rows.put(peer, conv)
}

func (s *RatchetFileStore) LoadConversation(peer domain.PeerID) (domain.Conversation, bool, error) {
	return s.rows.get(peer)
}

// DeleteConversation drops the state for peer; the next message to or from
// them starts a fresh handshake.
func (s *RatchetFileStore) DeleteConversation(peer domain.PeerID) error {
	return s.rows.remove(peer)
}

var _ domain.RatchetStore = (*RatchetFileStore)(nil)
