package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"entropy/internal/chat"
	"entropy/internal/domain"
	"entropy/internal/eventloop"
	"entropy/internal/presence"
	"entropy/internal/wire"
)

var errNoSender = errors.New("no known peer could decrypt the envelope")

// Options configures a Dispatcher.
type Options struct {
	Self           domain.PeerID
	ReadReceipts   bool
	DecryptTimeout time.Duration
}

// Receipts sends delivery and read receipts.
type Receipts interface {
	SendReceipt(peer domain.PeerID, ids []string, status domain.MessageStatus)
}

// Calls receives call-signaling messages.
type Calls interface {
	HandleSignal(peer domain.PeerID, sig wire.Signal)
}

// Fragments receives msg_fragment chunks.
type Fragments interface {
	OnChunk(sender domain.PeerID, f wire.Fragment)
}

type job struct {
	sender domain.PeerID
	env    domain.CipherEnvelope
}

type decrypted struct {
	sender    domain.PeerID
	plaintext []byte
}

// Dispatcher decrypts inbound envelopes one at a time and applies their
// effects in arrival order. It is loop-confined.
type Dispatcher struct {
	loop      *eventloop.Loop
	crypto    domain.CryptoSession
	chats     *chat.Store
	presence  *presence.Tracker
	vault     domain.Vault
	fragments Fragments
	calls     Calls
	receipts  Receipts
	log       *logrus.Entry
	opts      Options

	queue []job
	busy  bool
}

func New(
	loop *eventloop.Loop,
	crypto domain.CryptoSession,
	chats *chat.Store,
	tracker *presence.Tracker,
	vault domain.Vault,
	log *logrus.Entry,
	opts Options,
) *Dispatcher {
	if opts.DecryptTimeout <= 0 {
		opts.DecryptTimeout = 30 * time.Second
	}
	return &Dispatcher{
		loop:     loop,
		crypto:   crypto,
		chats:    chats,
		presence: tracker,
		vault:    vault,
		log:      log.WithField("component", "dispatch"),
		opts:     opts,
	}
}

// SetFragments installs the reassembler.
func (d *Dispatcher) SetFragments(f Fragments) { d.fragments = f }

// SetCalls installs the call machine.
func (d *Dispatcher) SetCalls(c Calls) { d.calls = c }

// SetReceipts installs the receipt sender.
func (d *Dispatcher) SetReceipts(r Receipts) { d.receipts = r }

// SetReadReceipts toggles read receipts and inbound typing/presence.
func (d *Dispatcher) SetReadReceipts(on bool) { d.opts.ReadReceipts = on }

// Queued returns the number of envelopes waiting for decryption, including
// the one in flight.
func (d *Dispatcher) Queued() int {
	if d.busy {
		return len(d.queue) + 1
	}
	return len(d.queue)
}

// HandleControl routes a control frame the transport did not consume.
func (d *Dispatcher) HandleControl(c wire.Control) {
	d.routeControl(c, domain.PeerID(c.String("sender")))
}

// HandleBinary routes a binary frame: an embedded control object or a
// ciphertext envelope.
func (d *Dispatcher) HandleBinary(f wire.BinaryFrame) {
	if c, err := wire.ParseControl(f.Payload); err == nil {
		sender := f.Sender
		if sender == "" {
			sender = domain.PeerID(c.String("sender"))
		}
		d.routeControl(c, sender)
		return
	}

	var env domain.CipherEnvelope
	if err := json.Unmarshal(f.Payload, &env); err != nil || env.Body == "" {
		d.log.WithField("peer", f.Sender).Warn("dropping undecodable binary frame")
		return
	}
	if env.Type != domain.EnvelopeWhisper && env.Type != domain.EnvelopePreKey {
		d.log.WithFields(logrus.Fields{"peer": f.Sender, "type": env.Type}).Warn("dropping envelope of unknown type")
		return
	}
	sender := f.Sender
	if sender == "" {
		sender = env.Sender.Routing()
	}
	d.enqueue(job{sender: sender, env: env})
}

// Reassembled re-enters a reassembled envelope as if it had arrived whole.
func (d *Dispatcher) Reassembled(sender domain.PeerID, payload []byte) {
	d.HandleBinary(wire.BinaryFrame{Sender: sender, Payload: payload})
}

func (d *Dispatcher) routeControl(c wire.Control, sender domain.PeerID) {
	switch c.Type {
	case wire.TypeRelaySuccess, wire.TypeDeliveryStatus, wire.TypeAuthSuccess, wire.TypeError,
		wire.TypePing, wire.TypePong, wire.TypeDummyAck, wire.TypeDummyPacing:
		return
	case wire.TypeBinaryPayload:
		b, err := hex.DecodeString(c.String("data_hex"))
		if err != nil || len(b) == 0 {
			d.log.WithField("peer", sender).Warn("dropping binary_payload with bad hex")
			return
		}
		frame := wire.DecodeBinary(b)
		if sender != "" {
			frame.Sender = sender
		}
		d.HandleBinary(frame)
	case wire.TypeFragment:
		f, err := wire.ParseFragment(c)
		if err != nil {
			d.log.WithError(err).WithField("peer", sender).Warn("dropping malformed fragment")
			return
		}
		if d.fragments != nil {
			d.fragments.OnChunk(sender, f)
		}
	default:
		d.log.WithField("type", c.Type).Debug("ignoring unknown control frame")
	}
}

func (d *Dispatcher) enqueue(j job) {
	d.queue = append(d.queue, j)
	d.next()
}

// next starts decrypting the head of the queue unless a job is in flight.
func (d *Dispatcher) next() {
	if d.busy || len(d.queue) == 0 {
		return
	}
	j := d.queue[0]
	d.queue = d.queue[1:]
	d.busy = true

	var candidates []domain.PeerID
	if j.sender == "" {
		if j.env.IsPreKey() {
			d.log.Warn("dropping prekey envelope without sender")
			d.finish()
			return
		}
		for _, p := range d.chats.Peers() {
			if p != d.opts.Self {
				candidates = append(candidates, p)
			}
		}
	} else {
		candidates = []domain.PeerID{j.sender}
	}

	timeout := d.opts.DecryptTimeout
	eventloop.Async(d.loop, func() (decrypted, error) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return d.decrypt(ctx, candidates, j.env)
	}, func(res decrypted, err error) {
		if err != nil {
			d.decryptFailed(j, err)
			d.finish()
			return
		}
		d.apply(res.sender, res.plaintext, d.finish)
	})
}

// decrypt tries each candidate in order. It runs off the loop.
func (d *Dispatcher) decrypt(ctx context.Context, candidates []domain.PeerID, env domain.CipherEnvelope) (decrypted, error) {
	if len(candidates) == 1 {
		pt, err := d.crypto.Decrypt(ctx, candidates[0], env)
		return decrypted{sender: candidates[0], plaintext: pt}, err
	}
	for _, p := range candidates {
		if pt, err := d.crypto.Decrypt(ctx, p, env); err == nil {
			return decrypted{sender: p, plaintext: pt}, nil
		}
	}
	return decrypted{}, errNoSender
}

func (d *Dispatcher) decryptFailed(j job, err error) {
	log := d.log.WithError(err).WithField("peer", j.sender)
	if errors.Is(err, domain.ErrIdentityChanged) && j.sender != "" {
		log.Warn("peer identity changed; envelope dropped")
		d.chats.MarkUnverified(j.sender)
		d.chats.Append(j.sender, domain.Message{
			ID:        uuid.NewString(),
			Sender:    j.sender,
			Kind:      domain.KindSystem,
			Content:   "Safety number changed. Verify this contact before trusting new messages.",
			Timestamp: d.loop.Now(),
			Status:    domain.StatusDelivered,
		})
		return
	}
	log.Warn("dropping envelope that failed to decrypt")
}

func (d *Dispatcher) finish() {
	d.busy = false
	d.next()
}

// apply runs the effects of one plaintext and calls done when they are
// complete. Attachments are written to the vault before the next envelope is
// processed so effects stay in arrival order.
func (d *Dispatcher) apply(sender domain.PeerID, plaintext []byte, done func()) {
	if d.chats.IsBlocked(sender) {
		d.log.WithField("peer", sender).Debug("dropping payload from blocked peer")
		done()
		return
	}
	p, err := wire.ParsePayload(plaintext)
	if err != nil {
		if json.Valid(plaintext) {
			d.log.WithField("peer", sender).Debug("ignoring payload without type")
		} else {
			d.appendText(sender, sender, domain.Message{ID: uuid.NewString(), Content: string(plaintext)})
		}
		done()
		return
	}
	log := d.log.WithFields(logrus.Fields{"peer": sender, "type": p.Type})

	switch p.Type {
	case wire.PayloadText, wire.PayloadGroupMessage, wire.PayloadGroupMessageV2:
		d.onText(sender, p)
	case wire.PayloadFile, wire.PayloadVoiceNote, wire.PayloadFileV2, wire.PayloadVoiceNoteV2:
		d.onAttachment(sender, p, log, done)
		return
	case wire.PayloadTyping:
		if d.opts.ReadReceipts {
			d.presence.SetTyping(sender, p.IsTyping != nil && *p.IsTyping)
		}
	case wire.PayloadPresence:
		if d.opts.ReadReceipts {
			if p.IsOnline != nil && *p.IsOnline {
				d.presence.MarkOnline(sender)
			} else {
				d.presence.MarkOffline(sender)
			}
		}
	case wire.PayloadReceipt:
		status := domain.MessageStatus(p.Status)
		if status != domain.StatusDelivered && status != domain.StatusRead {
			log.WithField("status", p.Status).Warn("ignoring receipt with unknown status")
			break
		}
		d.chats.ApplyReceipt(sender, p.ReceiptIDs(), status)
	case wire.PayloadProfile:
		d.chats.UpdateProfile(sender, p.Alias, p.Pfp)
	case wire.PayloadGroupInvite, wire.PayloadGroupInviteV2:
		if !p.GroupID.Valid() {
			log.Warn("ignoring group invite with malformed id")
			break
		}
		d.chats.UpsertGroup(p.GroupID, p.Name, p.Members)
	case wire.PayloadSignaling:
		sig, err := wire.ParseSignal(p.Data)
		if err != nil {
			log.WithError(err).Warn("dropping malformed signal")
			break
		}
		if d.calls != nil {
			d.calls.HandleSignal(sender, sig)
		}
	case wire.PayloadCallLog:
		d.onCallLog(sender, p)
	default:
		log.Debug("ignoring unknown payload type")
	}
	done()
}

// conversation picks the group for group payloads and the sender otherwise.
func (d *Dispatcher) conversation(sender domain.PeerID, p wire.Payload) domain.PeerID {
	if p.GroupID == "" || !p.GroupID.Valid() {
		return sender
	}
	if !d.chats.IsGroup(p.GroupID) {
		d.chats.UpsertGroup(p.GroupID, "", []domain.PeerID{sender})
	}
	return p.GroupID
}

func (d *Dispatcher) onText(sender domain.PeerID, p wire.Payload) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	d.appendText(d.conversation(sender, p), sender, domain.Message{ID: id, Content: p.Text(), ReplyTo: p.ReplyTo})
}

func (d *Dispatcher) appendText(conv, sender domain.PeerID, m domain.Message) {
	m.Sender = sender
	m.Kind = domain.KindText
	m.Timestamp = d.loop.Now()
	m.Status = domain.StatusDelivered
	if d.chats.Append(conv, m) {
		d.acknowledge(conv, sender, m.ID)
	}
}

// acknowledge sends a read receipt for the focused conversation and a
// delivered receipt otherwise. Group messages are not acknowledged.
func (d *Dispatcher) acknowledge(conv, sender domain.PeerID, id string) {
	if d.receipts == nil || conv != sender {
		return
	}
	status := domain.StatusDelivered
	if d.opts.ReadReceipts && d.chats.Focused() == conv {
		status = domain.StatusRead
	}
	d.receipts.SendReceipt(sender, []string{id}, status)
}

type attachment struct {
	data []byte
	meta domain.Attachment
	kind domain.MessageKind
}

func decodeAttachment(p wire.Payload) (attachment, error) {
	raw, ok := p.DataString()
	if !ok {
		return attachment{}, fmt.Errorf("%s without string data", p.Type)
	}
	var a attachment
	var err error
	switch p.Type {
	case wire.PayloadFile, wire.PayloadVoiceNote:
		a.data, err = base64.StdEncoding.DecodeString(raw)
		a.meta = domain.Attachment{FileName: p.FileName, FileType: p.FileType, Size: p.Size}
	default:
		a.data, err = hex.DecodeString(raw)
		a.meta = domain.Attachment{FileName: p.FileName, FileType: p.FileType, Size: p.Size}
		if b := p.Bundle; b != nil {
			a.meta.FileName = firstNonEmpty(a.meta.FileName, b.FileName)
			a.meta.FileType = firstNonEmpty(a.meta.FileType, b.FileType)
			if a.meta.Size == 0 {
				a.meta.Size = b.FileSize
			}
		}
	}
	if err != nil {
		return attachment{}, fmt.Errorf("%s data: %w", p.Type, err)
	}

	a.kind = domain.KindFile
	defName, defType := "file", "application/octet-stream"
	if p.Type == wire.PayloadVoiceNote || p.Type == wire.PayloadVoiceNoteV2 {
		a.kind = domain.KindVoiceNote
		defName, defType = "voice_note.wav", "audio/wav"
	}
	a.meta.FileName = firstNonEmpty(a.meta.FileName, defName)
	a.meta.FileType = firstNonEmpty(a.meta.FileType, defType)
	if a.meta.Size == 0 {
		a.meta.Size = int64(len(a.data))
	}
	return a, nil
}

func (d *Dispatcher) onAttachment(sender domain.PeerID, p wire.Payload, log *logrus.Entry, done func()) {
	a, err := decodeAttachment(p)
	if err != nil {
		log.WithError(err).Warn("dropping malformed attachment")
		done()
		return
	}
	conv := d.conversation(sender, p)
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	if d.chats.Has(conv, id) {
		done()
		return
	}
	a.meta.VaultID = id

	content := "File: " + a.meta.FileName
	if a.kind == domain.KindVoiceNote {
		content = "Voice Note"
	}
	msg := domain.Message{
		ID:         id,
		Sender:     sender,
		Kind:       a.kind,
		Content:    content,
		Timestamp:  d.loop.Now(),
		Status:     domain.StatusDelivered,
		Attachment: &a.meta,
		ReplyTo:    p.ReplyTo,
	}
	eventloop.Async(d.loop, func() (struct{}, error) {
		return struct{}{}, d.vault.Put(id, a.data)
	}, func(_ struct{}, err error) {
		defer done()
		if err != nil {
			log.WithError(err).Error("failed to store attachment")
			return
		}
		if d.chats.Append(conv, msg) {
			d.acknowledge(conv, sender, id)
		}
	})
}

func (d *Dispatcher) onCallLog(sender domain.PeerID, p wire.Payload) {
	if p.CallID == "" {
		d.log.WithField("peer", sender).Warn("ignoring call log without call id")
		return
	}
	rec := domain.CallLog{
		CallID:    p.CallID,
		Peer:      sender,
		Kind:      p.CallType,
		Direction: domain.CallIncoming,
		Outcome:   domain.CallOutcome(p.Status),
		Duration:  time.Duration(p.Duration) * time.Second,
		EndedAt:   d.loop.Now(),
	}
	d.chats.Append(sender, domain.Message{
		ID:        p.CallID,
		Sender:    sender,
		Kind:      domain.KindCallLog,
		Content:   rec.Summary(),
		Timestamp: rec.EndedAt,
		Status:    domain.StatusDelivered,
	})
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
