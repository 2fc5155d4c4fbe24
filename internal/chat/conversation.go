package chat

import (
	"time"

	"entropy/internal/domain"
)

// Conversation is the stored state for one peer or group.
type Conversation struct {
	Peer       domain.PeerID    `json:"peer"`
	Alias      string           `json:"alias,omitempty"`
	Avatar     string           `json:"avatar,omitempty"`
	IsGroup    bool             `json:"is_group,omitempty"`
	Members    []domain.PeerID  `json:"members,omitempty"`
	Unread     int              `json:"unread"`
	LastSeen   time.Time        `json:"last_seen,omitempty"`
	Unverified bool             `json:"unverified,omitempty"`
	Blocked    bool             `json:"blocked,omitempty"`
	Messages   []domain.Message `json:"messages"`

	index map[string]int
}

func newConversation(peer domain.PeerID) *Conversation {
	return &Conversation{Peer: peer, index: make(map[string]int)}
}

func (c *Conversation) reindex() {
	c.index = make(map[string]int, len(c.Messages))
	for i, m := range c.Messages {
		c.index[m.ID] = i
	}
}

func (c *Conversation) find(id string) (*domain.Message, bool) {
	i, ok := c.index[id]
	if !ok {
		return nil, false
	}
	return &c.Messages[i], true
}

// clone returns a copy that shares nothing mutable with c.
func (c *Conversation) clone() Conversation {
	out := *c
	out.Members = append([]domain.PeerID(nil), c.Members...)
	out.Messages = append([]domain.Message(nil), c.Messages...)
	out.index = nil
	return out
}
