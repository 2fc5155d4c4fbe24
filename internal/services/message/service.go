package message

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"entropy/internal/chat"
	"entropy/internal/domain"
	"entropy/internal/eventloop"
	"entropy/internal/fragment"
	"entropy/internal/transport"
	"entropy/internal/wire"
)

var (
	// ErrNotGroup is returned when a group send targets a non-group, or an attachment targets a group.
	ErrNotGroup   = errors.New("message: not a group")
	// ErrBadPeer is returned for a recipient that is not a well-formed peer id.
	ErrBadPeer    = errors.New("message: malformed peer id")
	errNoSession  = errors.New("message: no session for volatile send")
	errNoMembers  = errors.New("message: group has no other members")
	errAllFailed  = errors.New("message: no group member could be reached")
	errEmptyFile  = errors.New("message: empty attachment")
)

// Transport is the subset of transport.Transport the service sends through.
type Transport interface {
	SendEnvelope(recipient domain.PeerID, payload []byte)
	SendVolatile(peer domain.PeerID, body string)
	SendMulticast(targets []transport.Target)
}

// Options configures a Service. Zero durations and sizes take the defaults.
type Options struct {
	Self           domain.PeerID
	ChunkSize      int
	EncryptTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = fragment.DefaultChunkSize
	}
	if o.EncryptTimeout <= 0 {
		o.EncryptTimeout = 30 * time.Second
	}
}

type job struct {
	payload  []byte
	volatile bool
	// deliver replaces the default envelope send.
	deliver func(env domain.CipherEnvelope)
	done    func(err error)
}

type queue struct {
	jobs []job
	busy bool
}

// Service encrypts and sends outbound payloads. Each peer has its own FIFO
// with at most one encryption in flight, so sends to one peer leave in the
// order they were made. It is loop-confined.
type Service struct {
	loop   *eventloop.Loop
	crypto domain.CryptoSession
	tr     Transport
	chats  *chat.Store
	vault  domain.Vault
	log    *logrus.Entry
	opts   Options

	queues map[domain.PeerID]*queue
}

// New returns a Service that encrypts with crypto and sends through tr.
func New(
	loop *eventloop.Loop,
	crypto domain.CryptoSession,
	tr Transport,
	chats *chat.Store,
	vault domain.Vault,
	log *logrus.Entry,
	opts Options,
) *Service {
	opts.setDefaults()
	return &Service{
		loop:   loop,
		crypto: crypto,
		tr:     tr,
		chats:  chats,
		vault:  vault,
		log:    log.WithField("component", "message"),
		opts:   opts,
		queues: make(map[domain.PeerID]*queue),
	}
}

// Pending returns the number of payloads queued or in flight for peer.
func (s *Service) Pending(peer domain.PeerID) int {
	q, ok := s.queues[peer.Routing()]
	if !ok {
		return 0
	}
	n := len(q.jobs)
	if q.busy {
		n++
	}
	return n
}

// SendText sends a text message and echoes it locally. Text to a group id
// goes to every member.
func (s *Service) SendText(peer domain.PeerID, text, replyTo string) (string, error) {
	peer = peer.Routing()
	if !peer.Valid() {
		return "", ErrBadPeer
	}
	if s.chats.IsGroup(peer) {
		return s.SendGroupText(peer, text, replyTo)
	}
	id := uuid.NewString()
	p := wire.Payload{Type: wire.PayloadText, ID: id, Content: text, ReplyTo: replyTo}
	s.echo(peer, domain.Message{ID: id, Kind: domain.KindText, Content: text, ReplyTo: replyTo})
	s.sendTracked(peer, id, p)
	return id, nil
}

// SendGroupText encrypts text once per member and sends all ciphertexts in
// one multicast frame.
func (s *Service) SendGroupText(group domain.PeerID, text, replyTo string) (string, error) {
	group = group.Routing()
	if !s.chats.IsGroup(group) {
		return "", ErrNotGroup
	}
	var members []domain.PeerID
	for _, m := range s.chats.Members(group) {
		if m.Routing() != s.opts.Self && m.Valid() {
			members = append(members, m.Routing())
		}
	}
	id := uuid.NewString()
	s.echo(group, domain.Message{ID: id, Kind: domain.KindText, Content: text, ReplyTo: replyTo})
	if len(members) == 0 {
		s.finished(group, id, errNoMembers)
		return id, nil
	}
	raw, err := wire.Payload{Type: wire.PayloadGroupMessage, ID: id, GroupID: group, Content: text, ReplyTo: replyTo}.Marshal()
	if err != nil {
		return "", err
	}

	log := s.log.WithFields(logrus.Fields{"group": group, "msg_id": id})
	var targets []transport.Target
	pending := len(members)
	for _, m := range members {
		s.enqueue(m, job{
			payload: raw,
			deliver: func(env domain.CipherEnvelope) {
				targets = append(targets, transport.Target{To: m, Body: env.Body, MsgType: env.Type})
			},
			done: func(err error) {
				if err != nil {
					log.WithError(err).WithField("peer", m).Warn("could not encrypt for group member")
				}
				pending--
				if pending > 0 {
					return
				}
				if len(targets) == 0 {
					s.finished(group, id, errAllFailed)
					return
				}
				s.tr.SendMulticast(targets)
				s.finished(group, id, nil)
			},
		})
	}
	return id, nil
}

// SendFile stores data in the vault and sends it as a v2 attachment.
func (s *Service) SendFile(peer domain.PeerID, name, mime string, data []byte) (string, error) {
	return s.sendAttachment(peer, wire.PayloadFileV2, domain.KindFile, name, mime, data)
}

// SendVoiceNote sends recorded audio as a v2 voice note.
func (s *Service) SendVoiceNote(peer domain.PeerID, data []byte) (string, error) {
	return s.sendAttachment(peer, wire.PayloadVoiceNoteV2, domain.KindVoiceNote, "voice_note.wav", "audio/wav", data)
}

func (s *Service) sendAttachment(peer domain.PeerID, typ string, kind domain.MessageKind, name, mime string, data []byte) (string, error) {
	peer = peer.Routing()
	if !peer.Valid() {
		return "", ErrBadPeer
	}
	if s.chats.IsGroup(peer) {
		return "", ErrNotGroup
	}
	if len(data) == 0 {
		return "", errEmptyFile
	}
	if name == "" {
		name = "file"
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	id := uuid.NewString()
	size := int64(len(data))
	p := wire.Payload{
		Type:     typ,
		ID:       id,
		FileName: name,
		FileType: mime,
		Size:     size,
		Data:     wire.StringData(hex.EncodeToString(data)),
		Bundle:   &wire.FileBundle{FileName: name, FileType: mime, FileSize: size},
	}
	content := "File: " + name
	if kind == domain.KindVoiceNote {
		content = "Voice Note"
	}
	msg := domain.Message{
		ID:         id,
		Kind:       kind,
		Content:    content,
		Attachment: &domain.Attachment{VaultID: id, FileName: name, FileType: mime, Size: size},
	}
	log := s.log.WithFields(logrus.Fields{"peer": peer, "msg_id": id})
	eventloop.Async(s.loop, func() (struct{}, error) {
		return struct{}{}, s.vault.Put(id, data)
	}, func(_ struct{}, err error) {
		if err != nil {
			log.WithError(err).Error("failed to store outgoing attachment")
		}
		s.echo(peer, msg)
		s.sendTracked(peer, id, p)
	})
	return id, nil
}

// SendReceipt tells peer that messages reached status.
func (s *Service) SendReceipt(peer domain.PeerID, ids []string, status domain.MessageStatus) {
	if len(ids) == 0 {
		return
	}
	p := wire.Payload{Type: wire.PayloadReceipt, MsgIDs: ids, Status: string(status)}
	s.sendPayload(peer.Routing(), p, false)
}

// SendTyping relays a typing indicator. It is dropped when the relay
// connection is down or no session with peer exists yet.
func (s *Service) SendTyping(peer domain.PeerID, typing bool) {
	s.sendPayload(peer.Routing(), wire.Payload{Type: wire.PayloadTyping, IsTyping: &typing}, true)
}

// SendPresence announces our presence to every direct contact.
func (s *Service) SendPresence(online bool) {
	for _, peer := range s.chats.Peers() {
		if s.chats.IsBlocked(peer) {
			continue
		}
		s.sendPayload(peer, wire.Payload{Type: wire.PayloadPresence, IsOnline: &online}, true)
	}
}

// BroadcastProfile sends our alias and avatar to every direct contact.
func (s *Service) BroadcastProfile(alias, avatar string) {
	for _, peer := range s.chats.Peers() {
		if s.chats.IsBlocked(peer) {
			continue
		}
		s.sendPayload(peer, wire.Payload{Type: wire.PayloadProfile, Alias: alias, Pfp: avatar}, false)
	}
}

// SendGroupInvite announces a group and its members to each member.
func (s *Service) SendGroupInvite(group domain.PeerID, name string, members []domain.PeerID) {
	p := wire.Payload{Type: wire.PayloadGroupInviteV2, GroupID: group.Routing(), Name: name, Members: members}
	for _, m := range members {
		if m.Routing() != s.opts.Self {
			s.sendPayload(m.Routing(), p, false)
		}
	}
}

// SendSignal carries a call signal to peer.
func (s *Service) SendSignal(peer domain.PeerID, sig wire.Signal) {
	p, err := sig.Payload()
	if err != nil {
		s.log.WithError(err).WithField("call_id", sig.CallID).Warn("dropping unencodable signal")
		return
	}
	s.sendPayload(peer.Routing(), p, false)
}

// SendCallLog sends the caller's record of a finished call.
func (s *Service) SendCallLog(peer domain.PeerID, rec domain.CallLog) {
	p := wire.Payload{
		Type:     wire.PayloadCallLog,
		CallID:   rec.CallID,
		CallType: rec.Kind,
		Status:   string(rec.Outcome),
		Duration: int64(rec.Duration / time.Second),
	}
	s.sendPayload(peer.Routing(), p, false)
}

func (s *Service) sendPayload(peer domain.PeerID, p wire.Payload, volatile bool) {
	log := s.log.WithFields(logrus.Fields{"peer": peer, "type": p.Type})
	if !peer.Valid() {
		log.Warn("dropping payload for malformed peer id")
		return
	}
	raw, err := p.Marshal()
	if err != nil {
		log.WithError(err).Warn("dropping unencodable payload")
		return
	}
	s.enqueue(peer, job{payload: raw, volatile: volatile, done: func(err error) {
		if err != nil && !errors.Is(err, errNoSession) {
			log.WithError(err).Warn("send failed")
		}
	}})
}

// sendTracked sends a payload whose local echo moves to sent or failed.
func (s *Service) sendTracked(peer domain.PeerID, id string, p wire.Payload) {
	raw, err := p.Marshal()
	if err != nil {
		s.finished(peer, id, err)
		return
	}
	s.enqueue(peer, job{payload: raw, done: func(err error) { s.finished(peer, id, err) }})
}

func (s *Service) echo(conv domain.PeerID, m domain.Message) {
	m.Sender = s.opts.Self
	m.Timestamp = s.loop.Now()
	m.Mine = true
	m.Status = domain.StatusSending
	s.chats.Append(conv, m)
}

func (s *Service) finished(conv domain.PeerID, id string, err error) {
	status := domain.StatusSent
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"peer": conv, "msg_id": id}).Warn("message not sent")
		status = domain.StatusFailed
	}
	s.chats.SetStatus(conv, id, status)
}

func (s *Service) enqueue(peer domain.PeerID, j job) {
	q, ok := s.queues[peer]
	if !ok {
		q = &queue{}
		s.queues[peer] = q
	}
	q.jobs = append(q.jobs, j)
	s.pump(peer, q)
}

// pump starts encrypting the head of peer's queue unless one is in flight.
func (s *Service) pump(peer domain.PeerID, q *queue) {
	if q.busy {
		return
	}
	if len(q.jobs) == 0 {
		delete(s.queues, peer)
		return
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.busy = true

	timeout := s.opts.EncryptTimeout
	eventloop.Async(s.loop, func() (domain.CipherEnvelope, error) {
		if j.volatile && !s.crypto.HasSession(peer) {
			return domain.CipherEnvelope{}, errNoSession
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.crypto.Encrypt(ctx, peer, j.payload)
	}, func(env domain.CipherEnvelope, err error) {
		q.busy = false
		if err == nil {
			err = s.deliver(peer, j, env)
		}
		if j.done != nil {
			j.done(err)
		}
		s.pump(peer, q)
	})
}

func (s *Service) deliver(peer domain.PeerID, j job, env domain.CipherEnvelope) error {
	if j.deliver != nil {
		j.deliver(env)
		return nil
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if j.volatile {
		s.tr.SendVolatile(peer, string(raw))
		return nil
	}
	chunks := fragment.Split(raw, s.opts.ChunkSize)
	if chunks == nil {
		s.tr.SendEnvelope(peer, raw)
		return nil
	}
	s.log.WithFields(logrus.Fields{"peer": peer, "fragment_id": chunks[0].ID, "chunks": len(chunks)}).Debug("sending fragmented envelope")
	for _, c := range chunks {
		b, err := json.Marshal(c.Message())
		if err != nil {
			return err
		}
		s.tr.SendEnvelope(peer, b)
	}
	return nil
}
