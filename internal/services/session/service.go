package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"entropy/internal/domain"
	"entropy/internal/protocol/ratchet"
	"entropy/internal/protocol/x3dh"
)

var (
	ErrNoSession       = errors.New("session: no session with peer")
	ErrSenderMismatch  = errors.New("session: prekey message identity does not match sender")
	ErrBundleMismatch  = errors.New("session: bundle identity does not match peer")
	ErrUnknownPreKey   = errors.New("session: signed prekey not found")
	errBadEnvelopeBody = errors.New("session: malformed envelope body")
)

// Service implements domain.CryptoSession on X3DH and the Double Ratchet.
//
// Ratchet state is copied before every operation and written back only when
// the operation succeeds. Operations on one peer are serialised.
type Service struct {
	id       domain.Identity
	sessions domain.SessionStore
	ratchets domain.RatchetStore
	prekeys  domain.PreKeyStore
	dir      domain.PreKeyDirectory
	log      *logrus.Entry
	now      func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	locks map[domain.PeerID]*sync.Mutex
}

func New(
	id domain.Identity,
	sessions domain.SessionStore,
	ratchets domain.RatchetStore,
	prekeys domain.PreKeyStore,
	dir domain.PreKeyDirectory,
	log *logrus.Entry,
) *Service {
	return &Service{
		id:       id,
		sessions: sessions,
		ratchets: ratchets,
		prekeys:  prekeys,
		dir:      dir,
		log:      log.WithField("component", "session"),
		now:      time.Now,
		locks:    make(map[domain.PeerID]*sync.Mutex),
	}
}

func (s *Service) lock(peer domain.PeerID) func() {
	s.mu.Lock()
	l, ok := s.locks[peer]
	if !ok {
		l = &sync.Mutex{}
		s.locks[peer] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// HasSession reports whether a session with peer exists.
func (s *Service) HasSession(peer domain.PeerID) bool {
	_, ok, err := s.sessions.LoadSession(peer.Routing())
	return err == nil && ok
}

// EstablishSession fetches peer's bundle and runs X3DH as initiator.
// Concurrent calls for one peer share a single attempt.
func (s *Service) EstablishSession(ctx context.Context, peer domain.PeerID) error {
	peer = peer.Routing()
	if s.HasSession(peer) {
		return nil
	}
	ch := s.group.DoChan(string(peer), func() (any, error) {
		if s.HasSession(peer) {
			return nil, nil
		}
		return nil, s.initiate(ctx, peer)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) initiate(ctx context.Context, peer domain.PeerID) error {
	log := s.log.WithField("peer", peer)
	bundle, err := s.dir.FetchPreKeyBundle(ctx, peer)
	if err != nil {
		return fmt.Errorf("fetch bundle: %w", err)
	}
	if bundle.Identity != peer || domain.PeerIDFromKey(bundle.IdentityKey) != peer {
		return ErrBundleMismatch
	}
	root, spkID, opkID, eph, err := x3dh.InitiatorRoot(s.id, bundle)
	if err != nil {
		return err
	}
	sess := domain.Session{
		Peer:                  peer,
		RootKey:               root,
		PeerSignedPreKey:      bundle.SignedPreKey,
		PeerIdentityKey:       bundle.IdentityKey,
		CreatedUTC:            s.now().Unix(),
		SignedPreKeyID:        spkID,
		OneTimePreKeyID:       opkID,
		InitiatorEphemeralKey: eph,
	}

	unlock := s.lock(peer)
	defer unlock()
	if err := s.sessions.SaveSession(peer, sess); err != nil {
		return err
	}
	// A conversation left from an older session would not match the new root.
	if err := s.ratchets.DeleteConversation(peer); err != nil {
		return err
	}
	log.WithField("one_time_key", opkID != "").Info("session established")
	return nil
}

// Forget drops the session and ratchet state for peer so the next prekey
// message, or the next send, starts over.
func (s *Service) Forget(peer domain.PeerID) error {
	peer = peer.Routing()
	unlock := s.lock(peer)
	defer unlock()
	if err := s.ratchets.DeleteConversation(peer); err != nil {
		return err
	}
	return s.sessions.DeleteSession(peer)
}

// Encrypt seals plaintext for peer, establishing a session first if needed.
// Until the peer has answered, envelopes carry the prekey message.
func (s *Service) Encrypt(ctx context.Context, peer domain.PeerID, plaintext []byte) (domain.CipherEnvelope, error) {
	peer = peer.Routing()
	if err := s.EstablishSession(ctx, peer); err != nil {
		return domain.CipherEnvelope{}, err
	}
	unlock := s.lock(peer)
	defer unlock()

	sess, ok, err := s.sessions.LoadSession(peer)
	if err != nil {
		return domain.CipherEnvelope{}, err
	}
	if !ok {
		return domain.CipherEnvelope{}, ErrNoSession
	}
	conv, found, err := s.ratchets.LoadConversation(peer)
	if err != nil {
		return domain.CipherEnvelope{}, err
	}
	if !found {
		st, err := ratchet.InitAsInitiator(sess.RootKey, sess.PeerIdentityKey)
		if err != nil {
			return domain.CipherEnvelope{}, err
		}
		conv = domain.Conversation{
			Peer:  peer,
			State: st,
			PendingPreKey: &domain.PreKeyMessage{
				InitiatorIdentityKey: s.id.XPub,
				EphemeralKey:         sess.InitiatorEphemeralKey,
				SignedPreKeyID:       sess.SignedPreKeyID,
				OneTimePreKeyID:      sess.OneTimePreKeyID,
			},
		}
	}

	st := conv.State.Clone()
	header, ct, err := ratchet.Encrypt(&st, associatedData(s.id.XPub, sess.PeerIdentityKey), plaintext)
	if err != nil {
		return domain.CipherEnvelope{}, err
	}
	env := domain.Envelope{
		Header:    header,
		Cipher:    ct,
		PreKey:    conv.PendingPreKey,
		Timestamp: s.now().Unix(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return domain.CipherEnvelope{}, err
	}
	conv.State = st
	if err := s.ratchets.SaveConversation(peer, conv); err != nil {
		return domain.CipherEnvelope{}, err
	}

	typ := domain.EnvelopeWhisper
	if env.PreKey != nil {
		typ = domain.EnvelopePreKey
	}
	return domain.CipherEnvelope{Type: typ, Body: base64.StdEncoding.EncodeToString(body)}, nil
}

// Decrypt opens env from peer. Nothing is stored when it fails.
func (s *Service) Decrypt(_ context.Context, peer domain.PeerID, cenv domain.CipherEnvelope) ([]byte, error) {
	peer = peer.Routing()
	raw, err := base64.StdEncoding.DecodeString(cenv.Body)
	if err != nil {
		return nil, errBadEnvelopeBody
	}
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errBadEnvelopeBody
	}

	unlock := s.lock(peer)
	defer unlock()

	conv, found, err := s.ratchets.LoadConversation(peer)
	if err != nil {
		return nil, err
	}
	if env.PreKey != nil && !(found && conv.Bootstrap != nil && *conv.Bootstrap == env.PreKey.EphemeralKey) {
		return s.decryptPreKey(peer, env)
	}
	if !found {
		return nil, ErrNoSession
	}
	sess, ok, err := s.sessions.LoadSession(peer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSession
	}

	st := conv.State.Clone()
	pt, err := ratchet.Decrypt(&st, associatedData(sess.PeerIdentityKey, s.id.XPub), env.Header, env.Cipher)
	if err != nil {
		return nil, err
	}
	conv.State = st
	conv.PendingPreKey = nil
	if err := s.ratchets.SaveConversation(peer, conv); err != nil {
		return nil, err
	}
	return pt, nil
}

// decryptPreKey builds a responder session from env's prekey message and
// keeps it only if env decrypts under it.
func (s *Service) decryptPreKey(peer domain.PeerID, env domain.Envelope) ([]byte, error) {
	pm := *env.PreKey
	log := s.log.WithField("peer", peer)
	if domain.PeerIDFromKey(pm.InitiatorIdentityKey) != peer {
		return nil, ErrSenderMismatch
	}
	if prev, ok, err := s.sessions.LoadSession(peer); err != nil {
		return nil, err
	} else if ok && prev.PeerIdentityKey != pm.InitiatorIdentityKey {
		return nil, domain.ErrIdentityChanged
	}

	spkPriv, _, _, ok, err := s.prekeys.LoadSignedPreKey(pm.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPreKey, pm.SignedPreKeyID)
	}
	var opkPriv *domain.X25519Private
	if pm.OneTimePreKeyID != "" {
		p, ok, err := s.prekeys.LoadOneTimePreKey(pm.OneTimePreKeyID)
		if err != nil {
			return nil, err
		}
		if ok {
			opkPriv = &p
		}
	}
	root, err := x3dh.ResponderRoot(s.id, spkPriv, opkPriv, pm)
	if err != nil {
		return nil, err
	}
	if len(env.Header.DiffieHellmanPublicKey) != 32 {
		return nil, errBadEnvelopeBody
	}
	var senderRatchet domain.X25519Public
	copy(senderRatchet[:], env.Header.DiffieHellmanPublicKey)
	st, err := ratchet.InitAsResponder(root, s.id.XPriv, senderRatchet)
	if err != nil {
		return nil, err
	}
	pt, err := ratchet.Decrypt(&st, associatedData(pm.InitiatorIdentityKey, s.id.XPub), env.Header, env.Cipher)
	if err != nil {
		return nil, err
	}

	if pm.OneTimePreKeyID != "" {
		if _, _, _, err := s.prekeys.ConsumeOneTimePreKey(pm.OneTimePreKeyID); err != nil {
			return nil, err
		}
	}
	sess := domain.Session{
		Peer:                  peer,
		RootKey:               root,
		PeerIdentityKey:       pm.InitiatorIdentityKey,
		CreatedUTC:            s.now().Unix(),
		SignedPreKeyID:        pm.SignedPreKeyID,
		OneTimePreKeyID:       pm.OneTimePreKeyID,
		InitiatorEphemeralKey: pm.EphemeralKey,
	}
	if err := s.sessions.SaveSession(peer, sess); err != nil {
		return nil, err
	}
	eph := pm.EphemeralKey
	if err := s.ratchets.SaveConversation(peer, domain.Conversation{Peer: peer, State: st, Bootstrap: &eph}); err != nil {
		return nil, err
	}
	log.Info("session accepted from prekey message")
	return pt, nil
}

// associatedData binds a message to the sender and recipient identity keys.
func associatedData(sender, recipient domain.X25519Public) []byte {
	out := make([]byte, 0, 64)
	out = append(out, sender[:]...)
	return append(out, recipient[:]...)
}

var _ domain.CryptoSession = (*Service)(nil)
