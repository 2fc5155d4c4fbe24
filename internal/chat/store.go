package chat

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"entropy/internal/domain"
	"entropy/internal/eventloop"
)

// Options configures a Store.
type Options struct {
	Identity  domain.PeerID
	SaveDelay time.Duration
}

type snapshot struct {
	Conversations []Conversation `json:"conversations"`
}

// Store owns every conversation.
type Store struct {
	loop      *eventloop.Loop
	vault     domain.Vault
	presenter domain.Presenter
	log       *logrus.Entry
	opts      Options

	convs   map[domain.PeerID]*Conversation
	focused domain.PeerID
	saveT   *eventloop.Timer
}

// New returns an empty Store. Call Load to restore saved conversations.
func New(loop *eventloop.Loop, vault domain.Vault, presenter domain.Presenter, log *logrus.Entry, opts Options) *Store {
	if opts.SaveDelay <= 0 {
		opts.SaveDelay = time.Second
	}
	return &Store{
		loop:      loop,
		vault:     vault,
		presenter: presenter,
		log:       log.WithField("component", "chat"),
		opts:      opts,
		convs:     make(map[domain.PeerID]*Conversation),
	}
}

// SnapshotKey is the Vault id of the persisted conversations.
func (s *Store) SnapshotKey() string { return "chats_" + s.opts.Identity.String() }

// Load replaces the in-memory state with the persisted snapshot. It is called
// before the loop starts.
func (s *Store) Load() error {
	b, ok, err := s.vault.Get(s.SnapshotKey())
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	if !ok {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("decode conversations: %w", err)
	}
	s.convs = make(map[domain.PeerID]*Conversation, len(snap.Conversations))
	for i := range snap.Conversations {
		c := snap.Conversations[i]
		c.reindex()
		s.convs[c.Peer] = &c
	}
	return nil
}

// Flush writes the snapshot now, cancelling a pending debounced save.
func (s *Store) Flush() error {
	if s.saveT != nil {
		s.saveT.Stop()
		s.saveT = nil
	}
	b, err := s.encode()
	if err != nil {
		return err
	}
	return s.vault.Put(s.SnapshotKey(), b)
}

func (s *Store) encode() ([]byte, error) {
	snap := snapshot{Conversations: make([]Conversation, 0, len(s.convs))}
	for _, p := range s.sortedPeers(func(*Conversation) bool { return true }) {
		snap.Conversations = append(snap.Conversations, s.convs[p].clone())
	}
	return json.Marshal(snap)
}

// scheduleSave coalesces changes into one write per SaveDelay.
func (s *Store) scheduleSave() {
	if s.saveT != nil {
		return
	}
	s.saveT = s.loop.AfterFunc(s.opts.SaveDelay, func() {
		s.saveT = nil
		b, err := s.encode()
		if err != nil {
			s.log.WithError(err).Error("failed to encode conversations")
			return
		}
		key := s.SnapshotKey()
		eventloop.Async(s.loop, func() (struct{}, error) {
			return struct{}{}, s.vault.Put(key, b)
		}, func(_ struct{}, err error) {
			if err != nil {
				s.log.WithError(err).Error("failed to persist conversations")
			}
		})
	})
}

func (s *Store) conv(peer domain.PeerID) *Conversation {
	c, ok := s.convs[peer]
	if !ok {
		c = newConversation(peer)
		s.convs[peer] = c
	}
	return c
}

// Append adds m to the conversation unless a message with the same id is
// already there. It reports whether the message was added.
func (s *Store) Append(peer domain.PeerID, m domain.Message) bool {
	c := s.conv(peer)
	if _, dup := c.index[m.ID]; dup {
		s.log.WithFields(logrus.Fields{"peer": peer, "msg_id": m.ID}).Debug("duplicate message dropped")
		return false
	}
	c.index[m.ID] = len(c.Messages)
	c.Messages = append(c.Messages, m)
	if !m.Mine && peer != s.focused {
		c.Unread++
	}
	s.notify(domain.MessageAppended{Conversation: peer, Message: m})
	s.scheduleSave()
	return true
}

// Has reports whether the conversation holds a message with id.
func (s *Store) Has(peer domain.PeerID, id string) bool {
	c, ok := s.convs[peer]
	if !ok {
		return false
	}
	_, ok = c.index[id]
	return ok
}

// Message returns a copy of one message.
func (s *Store) Message(peer domain.PeerID, id string) (domain.Message, bool) {
	c, ok := s.convs[peer]
	if !ok {
		return domain.Message{}, false
	}
	m, ok := c.find(id)
	if !ok {
		return domain.Message{}, false
	}
	return *m, true
}

// ApplyReceipt advances our own messages to status. Statuses never move
// backwards and failed messages stay failed. It returns the ids that changed.
func (s *Store) ApplyReceipt(peer domain.PeerID, ids []string, status domain.MessageStatus) []string {
	c, ok := s.convs[peer]
	if !ok {
		return nil
	}
	var changed []string
	for _, id := range ids {
		m, ok := c.find(id)
		if !ok || !m.Mine || !m.Status.Advances(status) {
			continue
		}
		m.Status = status
		changed = append(changed, id)
		s.notify(domain.MessageUpdated{Conversation: peer, MessageID: id, Status: status})
	}
	if len(changed) > 0 {
		s.scheduleSave()
	}
	return changed
}

// SetStatus records the local send outcome of a message. Unlike receipts it
// may mark a sending message failed.
func (s *Store) SetStatus(peer domain.PeerID, id string, status domain.MessageStatus) bool {
	c, ok := s.convs[peer]
	if !ok {
		return false
	}
	m, ok := c.find(id)
	if !ok {
		return false
	}
	allowed := m.Status.Advances(status) ||
		(status == domain.StatusFailed && m.Status == domain.StatusSending)
	if !allowed {
		return false
	}
	m.Status = status
	s.notify(domain.MessageUpdated{Conversation: peer, MessageID: id, Status: status})
	s.scheduleSave()
	return true
}

// UpdateProfile stores a peer's display name and avatar. Empty values keep
// the current ones.
func (s *Store) UpdateProfile(peer domain.PeerID, alias, avatar string) {
	c := s.conv(peer)
	if alias != "" {
		c.Alias = alias
	}
	if avatar != "" {
		c.Avatar = avatar
	}
	s.notify(domain.ProfileChanged{Peer: peer, Alias: c.Alias, Avatar: c.Avatar})
	s.scheduleSave()
}

// UpsertGroup creates the group or refreshes its name and members. It
// reports whether the group was new.
func (s *Store) UpsertGroup(group domain.PeerID, name string, members []domain.PeerID) bool {
	c, exists := s.convs[group]
	if !exists {
		c = newConversation(group)
		s.convs[group] = c
	}
	c.IsGroup = true
	if name != "" {
		c.Alias = name
	}
	if len(members) > 0 {
		c.Members = slices.Clone(members)
	}
	s.notify(domain.GroupChanged{Group: group, Name: c.Alias, Members: slices.Clone(c.Members)})
	s.scheduleSave()
	return !exists
}

// IsGroup reports whether peer names a group.
func (s *Store) IsGroup(peer domain.PeerID) bool {
	c, ok := s.convs[peer]
	return ok && c.IsGroup
}

// Members returns the group's member list.
func (s *Store) Members(group domain.PeerID) []domain.PeerID {
	c, ok := s.convs[group]
	if !ok || !c.IsGroup {
		return nil
	}
	return slices.Clone(c.Members)
}

// Focus marks the conversation the user is looking at and clears its
// unread count. An empty peer clears focus.
func (s *Store) Focus(peer domain.PeerID) {
	s.focused = peer
	if c, ok := s.convs[peer]; ok && c.Unread > 0 {
		c.Unread = 0
		s.scheduleSave()
	}
}

// Focused returns the focused conversation.
func (s *Store) Focused() domain.PeerID { return s.focused }

// Block drops future payloads from peer.
func (s *Store) Block(peer domain.PeerID) {
	s.conv(peer).Blocked = true
	s.scheduleSave()
}

// Unblock clears the blocked flag on peer.
func (s *Store) Unblock(peer domain.PeerID) {
	if c, ok := s.convs[peer]; ok && c.Blocked {
		c.Blocked = false
		s.scheduleSave()
	}
}

// IsBlocked reports whether envelopes from peer are dropped.
func (s *Store) IsBlocked(peer domain.PeerID) bool {
	c, ok := s.convs[peer]
	return ok && c.Blocked
}

// MarkUnverified flags the peer after its identity key changed.
func (s *Store) MarkUnverified(peer domain.PeerID) {
	s.conv(peer).Unverified = true
	s.scheduleSave()
}

// Verify clears the unverified flag.
func (s *Store) Verify(peer domain.PeerID) {
	if c, ok := s.convs[peer]; ok && c.Unverified {
		c.Unverified = false
		s.scheduleSave()
	}
}

// SetLastSeen records when the peer was last online.
func (s *Store) SetLastSeen(peer domain.PeerID, at time.Time) {
	c, ok := s.convs[peer]
	if !ok || c.IsGroup {
		return
	}
	c.LastSeen = at
	s.scheduleSave()
}

// Delete removes a conversation.
func (s *Store) Delete(peer domain.PeerID) {
	if _, ok := s.convs[peer]; !ok {
		return
	}
	delete(s.convs, peer)
	if s.focused == peer {
		s.focused = ""
	}
	s.scheduleSave()
}

// Conversation returns a copy of one conversation.
func (s *Store) Conversation(peer domain.PeerID) (Conversation, bool) {
	c, ok := s.convs[peer]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// Peers returns the known non-group peers in sorted order.
func (s *Store) Peers() []domain.PeerID {
	return s.sortedPeers(func(c *Conversation) bool { return !c.IsGroup })
}

func (s *Store) sortedPeers(keep func(*Conversation) bool) []domain.PeerID {
	out := make([]domain.PeerID, 0, len(s.convs))
	for p, c := range s.convs {
		if keep(c) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

func (s *Store) notify(ev domain.Event) {
	if s.presenter != nil {
		s.presenter.Notify(ev)
	}
}
