// Package call runs the call-signaling state machine: offer, answer and ICE
// exchange over the encrypted channel, one active call at a time, and exactly
// one log record per call.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"entropy/internal/domain"
	"entropy/internal/eventloop"
	"entropy/internal/wire"
)

var (
	ErrBusy   = errors.New("call: another call is active")
	ErrNoCall = errors.New("call: no call to accept")
)

// Signaler carries signals and call logs to the peer.
type Signaler interface {
	SendSignal(peer domain.PeerID, sig wire.Signal)
	SendCallLog(peer domain.PeerID, rec domain.CallLog)
}

// Recorder stores call log messages. *chat.Store satisfies it.
type Recorder interface {
	Append(peer domain.PeerID, m domain.Message) bool
}

// Options holds the ring and setup timeouts. Zero values take the defaults.
type Options struct {
	RingTimeout  time.Duration
	SetupTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.RingTimeout <= 0 {
		o.RingTimeout = 45 * time.Second
	}
	if o.SetupTimeout <= 0 {
		o.SetupTimeout = 30 * time.Second
	}
}

// Snapshot describes the active call.
type Snapshot struct {
	CallID    string
	Peer      domain.PeerID
	Kind      domain.MediaKind
	Direction domain.CallDirection
	Status    domain.CallStatus
	Duration  time.Duration
}

type session struct {
	id     string
	peer   domain.PeerID
	kind   domain.MediaKind
	dir    domain.CallDirection
	status domain.CallStatus

	link       PeerLink
	cancel     context.CancelFunc
	offer      string
	accepting  bool
	remoteSet  bool
	candidates []wire.ICECandidate

	connectedAt time.Time
	ring        *eventloop.Timer
}

// Machine owns the active CallSession. It is loop-confined.
type Machine struct {
	loop      *eventloop.Loop
	media     MediaEngine
	signaler  Signaler
	recorder  Recorder
	presenter domain.Presenter
	log       *logrus.Entry
	opts      Options

	active  *session
	onEnded []func(domain.CallLog)
}

// New returns an idle Machine.
func New(
	loop *eventloop.Loop,
	media MediaEngine,
	signaler Signaler,
	recorder Recorder,
	presenter domain.Presenter,
	log *logrus.Entry,
	opts Options,
) *Machine {
	opts.setDefaults()
	return &Machine{
		loop:      loop,
		media:     media,
		signaler:  signaler,
		recorder:  recorder,
		presenter: presenter,
		log:       log.WithField("component", "call"),
		opts:      opts,
	}
}

// OnEnded registers fn to receive each call's log record.
func (m *Machine) OnEnded(fn func(domain.CallLog)) { m.onEnded = append(m.onEnded, fn) }

// State returns the active call, if any.
func (m *Machine) State() (Snapshot, bool) {
	s := m.active
	if s == nil {
		return Snapshot{}, false
	}
	return m.snapshot(s), true
}

// StartCall acquires local media, sends an offer and moves to calling.
func (m *Machine) StartCall(peer domain.PeerID, kind domain.MediaKind) (string, error) {
	if m.active != nil {
		return "", ErrBusy
	}
	if kind != domain.MediaVideo {
		kind = domain.MediaVoice
	}
	s := &session{
		id:     uuid.NewString(),
		peer:   peer,
		kind:   kind,
		dir:    domain.CallOutgoing,
		status: domain.CallIdle,
	}
	m.active = s
	log := m.log.WithFields(logrus.Fields{"call_id": s.id, "peer": peer})
	log.Info("starting call")

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.SetupTimeout)
	s.cancel = cancel
	events := m.eventsFor(s.id)
	type opened struct {
		link PeerLink
		sdp  string
	}
	eventloop.Async(m.loop, func() (opened, error) {
		link, err := m.media.Open(ctx, kind, events)
		if err != nil {
			return opened{}, err
		}
		sdp, err := link.CreateOffer(ctx)
		if err != nil {
			_ = link.Close()
			return opened{}, err
		}
		return opened{link: link, sdp: sdp}, nil
	}, func(o opened, err error) {
		if m.active != s {
			if o.link != nil {
				_ = o.link.Close()
			}
			return
		}
		if err != nil {
			log.WithError(err).Warn("call setup failed")
			m.end(domain.OutcomeMissed)
			return
		}
		s.link = o.link
		m.signaler.SendSignal(peer, wire.Signal{Type: wire.SignalOffer, CallID: s.id, CallType: kind, SDP: o.sdp})
		m.setStatus(s, domain.CallCalling)
		m.startRing(s)
	})
	return s.id, nil
}

// Accept answers the ringing call.
func (m *Machine) Accept() error {
	s := m.active
	if s == nil || s.dir != domain.CallIncoming || s.status != domain.CallRinging || s.accepting {
		return ErrNoCall
	}
	s.accepting = true
	log := m.log.WithFields(logrus.Fields{"call_id": s.id, "peer": s.peer})
	log.Info("accepting call")

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.SetupTimeout)
	s.cancel = cancel
	events := m.eventsFor(s.id)
	kind, offer := s.kind, s.offer
	type answered struct {
		link PeerLink
		sdp  string
	}
	eventloop.Async(m.loop, func() (answered, error) {
		link, err := m.media.Open(ctx, kind, events)
		if err != nil {
			return answered{}, err
		}
		if err := link.SetRemoteDescription(wire.SignalOffer, offer); err != nil {
			_ = link.Close()
			return answered{}, err
		}
		sdp, err := link.CreateAnswer(ctx)
		if err != nil {
			_ = link.Close()
			return answered{}, err
		}
		return answered{link: link, sdp: sdp}, nil
	}, func(a answered, err error) {
		if m.active != s {
			if a.link != nil {
				_ = a.link.Close()
			}
			return
		}
		if err != nil {
			log.WithError(err).Warn("could not answer call")
			m.signaler.SendSignal(s.peer, wire.Signal{Type: wire.SignalHangup, CallID: s.id})
			m.end(domain.OutcomeMissed)
			return
		}
		s.link = a.link
		s.remoteSet = true
		m.flushCandidates(s)
		m.signaler.SendSignal(s.peer, wire.Signal{Type: wire.SignalAnswer, CallID: s.id, CallType: s.kind, SDP: a.sdp})
	})
	return nil
}

// Hangup ends the active call locally and tells the peer.
func (m *Machine) Hangup() {
	s := m.active
	if s == nil {
		return
	}
	if s.status != domain.CallIdle {
		m.signaler.SendSignal(s.peer, wire.Signal{Type: wire.SignalHangup, CallID: s.id})
	}
	m.end(m.outcomeOnHangup(s))
}

// HandleSignal applies a signal received from peer.
func (m *Machine) HandleSignal(peer domain.PeerID, sig wire.Signal) {
	log := m.log.WithFields(logrus.Fields{"call_id": sig.CallID, "peer": peer, "signal": sig.Type})
	s := m.active

	if sig.Type == wire.SignalOffer {
		if s != nil {
			if s.id != sig.CallID {
				log.Info("busy; rejecting offer")
				m.signaler.SendSignal(peer, wire.Signal{Type: wire.SignalHangup, CallID: sig.CallID, Reason: wire.ReasonBusy})
			}
			return
		}
		m.ringing(peer, sig)
		return
	}

	if s == nil || s.id != sig.CallID || s.peer != peer {
		log.Debug("ignoring signal for inactive call")
		return
	}

	switch sig.Type {
	case wire.SignalAnswer:
		if s.dir != domain.CallOutgoing || s.link == nil || s.remoteSet {
			log.Debug("ignoring unexpected answer")
			return
		}
		if err := s.link.SetRemoteDescription(wire.SignalAnswer, sig.SDP); err != nil {
			log.WithError(err).Warn("bad answer")
			m.signaler.SendSignal(peer, wire.Signal{Type: wire.SignalHangup, CallID: s.id})
			m.end(domain.OutcomeMissed)
			return
		}
		s.remoteSet = true
		m.flushCandidates(s)
	case wire.SignalCandidate:
		if !s.remoteSet {
			s.candidates = append(s.candidates, *sig.Candidate)
			return
		}
		if err := s.link.AddICECandidate(*sig.Candidate); err != nil {
			log.WithError(err).Debug("rejected remote candidate")
		}
	case wire.SignalHangup:
		log.WithField("reason", sig.Reason).Info("peer hung up")
		m.end(m.outcomeOnHangup(s))
	}
}

func (m *Machine) ringing(peer domain.PeerID, sig wire.Signal) {
	kind := sig.CallType
	if kind != domain.MediaVideo {
		kind = domain.MediaVoice
	}
	s := &session{
		id:     sig.CallID,
		peer:   peer,
		kind:   kind,
		dir:    domain.CallIncoming,
		status: domain.CallIdle,
		offer:  sig.SDP,
	}
	m.active = s
	m.log.WithFields(logrus.Fields{"call_id": s.id, "peer": peer}).Info("incoming call")
	m.setStatus(s, domain.CallRinging)
	m.startRing(s)
}

// flushCandidates applies queued remote candidates in arrival order.
func (m *Machine) flushCandidates(s *session) {
	queued := s.candidates
	s.candidates = nil
	for _, c := range queued {
		if err := s.link.AddICECandidate(c); err != nil {
			m.log.WithError(err).WithField("call_id", s.id).Debug("rejected queued candidate")
		}
	}
}

func (m *Machine) startRing(s *session) {
	s.ring = m.loop.AfterFunc(m.opts.RingTimeout, func() {
		if m.active != s || s.status == domain.CallConnected {
			return
		}
		m.log.WithField("call_id", s.id).Info("call not answered")
		m.signaler.SendSignal(s.peer, wire.Signal{Type: wire.SignalHangup, CallID: s.id})
		m.end(domain.OutcomeMissed)
	})
}

func (m *Machine) outcomeOnHangup(s *session) domain.CallOutcome {
	if s.status == domain.CallConnected {
		return domain.OutcomeCompleted
	}
	return domain.OutcomeDeclined
}

// eventsFor posts media events for call id onto the loop.
func (m *Machine) eventsFor(id string) PeerEvents {
	return &loopEvents{m: m, id: id}
}

type loopEvents struct {
	m  *Machine
	id string
}

func (e *loopEvents) LocalCandidate(c wire.ICECandidate) {
	e.m.loop.Post(func() {
		s := e.m.active
		if s == nil || s.id != e.id {
			return
		}
		e.m.signaler.SendSignal(s.peer, wire.Signal{Type: wire.SignalCandidate, CallID: s.id, Candidate: &c})
	})
}

func (e *loopEvents) RemoteTrack() {
	e.m.loop.Post(func() {
		s := e.m.active
		if s == nil || s.id != e.id || s.status == domain.CallConnected {
			return
		}
		if s.ring != nil {
			s.ring.Stop()
			s.ring = nil
		}
		s.connectedAt = e.m.loop.Now()
		e.m.setStatus(s, domain.CallConnected)
	})
}

func (e *loopEvents) Failed(err error) {
	e.m.loop.Post(func() {
		s := e.m.active
		if s == nil || s.id != e.id {
			return
		}
		e.m.log.WithError(err).WithField("call_id", s.id).Warn("media connection failed")
		if s.status == domain.CallConnected {
			e.m.end(domain.OutcomeCompleted)
			return
		}
		e.m.signaler.SendSignal(s.peer, wire.Signal{Type: wire.SignalHangup, CallID: s.id})
		e.m.end(domain.OutcomeMissed)
	})
}

// end tears the session down and records its single log entry.
func (m *Machine) end(outcome domain.CallOutcome) {
	s := m.active
	if s == nil {
		return
	}
	m.active = nil
	if s.ring != nil {
		s.ring.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if link := s.link; link != nil {
		eventloop.Async(m.loop, func() (struct{}, error) {
			return struct{}{}, link.Close()
		}, func(_ struct{}, err error) {
			if err != nil {
				m.log.WithError(err).WithField("call_id", s.id).Debug("closing peer link")
			}
		})
	}

	now := m.loop.Now()
	duration := m.duration(s)
	m.setStatus(s, domain.CallEnded)

	rec := domain.CallLog{
		CallID:    s.id,
		Peer:      s.peer,
		Kind:      s.kind,
		Direction: s.dir,
		Outcome:   outcome,
		Duration:  duration,
		EndedAt:   now,
	}
	m.log.WithFields(logrus.Fields{"call_id": s.id, "outcome": outcome, "duration": duration}).Info("call ended")
	if m.recorder != nil {
		m.recorder.Append(s.peer, domain.Message{
			ID:        s.id,
			Sender:    s.peer,
			Kind:      domain.KindCallLog,
			Content:   rec.Summary(),
			Timestamp: now,
			Mine:      s.dir == domain.CallOutgoing,
			Status:    domain.StatusDelivered,
		})
	}
	if s.dir == domain.CallOutgoing {
		peerRec := rec
		if peerRec.Outcome == domain.OutcomeDeclined {
			peerRec.Outcome = domain.OutcomeMissed
		}
		m.signaler.SendCallLog(s.peer, peerRec)
	}
	for _, fn := range m.onEnded {
		fn(rec)
	}
}

func (m *Machine) setStatus(s *session, status domain.CallStatus) {
	if s.status == status {
		return
	}
	s.status = status
	if m.presenter != nil {
		m.presenter.Notify(domain.CallStateChanged{
			CallID:    s.id,
			Peer:      s.peer,
			Kind:      s.kind,
			Direction: s.dir,
			Status:    status,
			Duration:  m.duration(s),
		})
	}
}

func (m *Machine) snapshot(s *session) Snapshot {
	return Snapshot{
		CallID:    s.id,
		Peer:      s.peer,
		Kind:      s.kind,
		Direction: s.dir,
		Status:    s.status,
		Duration:  m.duration(s),
	}
}

// duration is the whole seconds spent connected so far.
func (m *Machine) duration(s *session) time.Duration {
	if s.connectedAt.IsZero() {
		return 0
	}
	return m.loop.Now().Sub(s.connectedAt).Truncate(time.Second)
}
