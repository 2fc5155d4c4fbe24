package call_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entropy/internal/call"
	"entropy/internal/domain"
	"entropy/internal/eventloop"
	"entropy/internal/wire"
)

var (
	gina = domain.PeerID(strings.Repeat("a7", 32))
	hank = domain.PeerID(strings.Repeat("b8", 32))
)

type fakeLink struct {
	mu     sync.Mutex
	ops    []string
	closed bool
}

func (l *fakeLink) record(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *fakeLink) CreateOffer(context.Context) (string, error) {
	l.record("offer")
	return "offer-sdp", nil
}

func (l *fakeLink) CreateAnswer(context.Context) (string, error) {
	l.record("answer")
	return "answer-sdp", nil
}

func (l *fakeLink) SetRemoteDescription(kind, sdp string) error {
	l.record("remote:" + kind + ":" + sdp)
	return nil
}

func (l *fakeLink) AddICECandidate(c wire.ICECandidate) error {
	l.record("ice:" + c.Candidate)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) history() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeMedia struct {
	mu     sync.Mutex
	err    error
	gate   chan struct{}
	links  []*fakeLink
	events []call.PeerEvents
}

func (m *fakeMedia) Open(_ context.Context, _ domain.MediaKind, ev call.PeerEvents) (call.PeerLink, error) {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	l := &fakeLink{}
	m.links = append(m.links, l)
	m.events = append(m.events, ev)
	return l, nil
}

func (m *fakeMedia) link() *fakeLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[len(m.links)-1]
}

func (m *fakeMedia) peer() call.PeerEvents {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[len(m.events)-1]
}

type sent struct {
	peer domain.PeerID
	sig  wire.Signal
}

type fakeSignaler struct {
	signals []sent
	logs    []domain.CallLog
}

func (s *fakeSignaler) SendSignal(peer domain.PeerID, sig wire.Signal) {
	s.signals = append(s.signals, sent{peer, sig})
}

func (s *fakeSignaler) SendCallLog(_ domain.PeerID, rec domain.CallLog) { s.logs = append(s.logs, rec) }

func (s *fakeSignaler) types() []string {
	var out []string
	for _, x := range s.signals {
		out = append(out, x.sig.Type)
	}
	return out
}

type recorder struct{ msgs []domain.Message }

func (r *recorder) Append(_ domain.PeerID, m domain.Message) bool {
	for _, x := range r.msgs {
		if x.ID == m.ID {
			return false
		}
	}
	r.msgs = append(r.msgs, m)
	return true
}

type fixture struct {
	loop     *eventloop.Loop
	clock    *clockwork.FakeClock
	media    *fakeMedia
	signaler *fakeSignaler
	recorder *recorder
	ended    []domain.CallLog
	m        *call.Machine
}

func newFixture() *fixture {
	log := logrus.New()
	log.SetOutput(io.Discard)
	f := &fixture{
		clock:    clockwork.NewFakeClock(),
		media:    &fakeMedia{},
		signaler: &fakeSignaler{},
		recorder: &recorder{},
	}
	f.loop = eventloop.New(f.clock, logrus.NewEntry(log))
	f.m = call.New(f.loop, f.media, f.signaler, f.recorder, nil, logrus.NewEntry(log), call.Options{})
	f.m.OnEnded(func(rec domain.CallLog) { f.ended = append(f.ended, rec) })
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock.Advance(d)
	f.loop.Settle()
}

func candidate(s string) *wire.ICECandidate { return &wire.ICECandidate{Candidate: s} }

func (f *fixture) status() domain.CallStatus {
	s, ok := f.m.State()
	if !ok {
		return domain.CallIdle
	}
	return s.Status
}

func TestOutgoingCall_CompletedWithDuration(t *testing.T) {
	f := newFixture()

	id, err := f.m.StartCall(gina, domain.MediaVoice)
	require.NoError(t, err)
	f.loop.Settle()
	require.Equal(t, domain.CallCalling, f.status())
	require.Len(t, f.signaler.signals, 1)
	assert.Equal(t, wire.Signal{Type: wire.SignalOffer, CallID: id, CallType: domain.MediaVoice, SDP: "offer-sdp"}, f.signaler.signals[0].sig)

	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalCandidate, CallID: id, Candidate: candidate("early")})
	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalAnswer, CallID: id, SDP: "answer-sdp"})
	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalCandidate, CallID: id, Candidate: candidate("late")})
	assert.Equal(t, []string{"offer", "remote:answer:answer-sdp", "ice:early", "ice:late"}, f.media.link().history())
	assert.Equal(t, domain.CallCalling, f.status(), "answer alone does not connect")

	f.media.peer().LocalCandidate(wire.ICECandidate{Candidate: "mine"})
	f.media.peer().RemoteTrack()
	f.loop.Settle()
	assert.Equal(t, domain.CallConnected, f.status())
	assert.Equal(t, wire.SignalCandidate, f.signaler.signals[1].sig.Type)

	f.advance(65*time.Second + 400*time.Millisecond)
	f.m.Hangup()
	f.loop.Settle()

	require.Len(t, f.ended, 1)
	assert.Equal(t, domain.OutcomeCompleted, f.ended[0].Outcome)
	assert.Equal(t, 65*time.Second, f.ended[0].Duration)
	require.Len(t, f.recorder.msgs, 1)
	assert.Equal(t, id, f.recorder.msgs[0].ID)
	assert.Equal(t, "Voice call completed (1m 5s)", f.recorder.msgs[0].Content)
	assert.Equal(t, wire.SignalHangup, f.signaler.signals[len(f.signaler.signals)-1].sig.Type)
	require.Len(t, f.signaler.logs, 1)
	assert.Equal(t, domain.OutcomeCompleted, f.signaler.logs[0].Outcome)
	assert.True(t, f.media.link().isClosed())
	assert.Equal(t, domain.CallIdle, f.status())
}

func TestIncomingOffer_CandidatesQueuedUntilAccept(t *testing.T) {
	f := newFixture()

	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalOffer, CallID: "c1", CallType: domain.MediaVideo, SDP: "remote-offer"})
	for _, c := range []string{"c-a", "c-b", "c-c"} {
		f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalCandidate, CallID: "c1", Candidate: candidate(c)})
	}
	require.Equal(t, domain.CallRinging, f.status())
	assert.Empty(t, f.media.links, "media is acquired only on accept")

	require.NoError(t, f.m.Accept())
	f.loop.Settle()

	assert.Equal(t, []string{
		"remote:offer:remote-offer", "answer", "ice:c-a", "ice:c-b", "ice:c-c",
	}, f.media.link().history())
	require.Len(t, f.signaler.signals, 1)
	assert.Equal(t, wire.Signal{Type: wire.SignalAnswer, CallID: "c1", CallType: domain.MediaVideo, SDP: "answer-sdp"}, f.signaler.signals[0].sig)

	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalCandidate, CallID: "c1", Candidate: candidate("c-d")})
	assert.Equal(t, "ice:c-d", f.media.link().history()[5])

	f.media.peer().RemoteTrack()
	f.loop.Settle()
	snap, ok := f.m.State()
	require.True(t, ok)
	assert.Equal(t, call.Snapshot{CallID: "c1", Peer: gina, Kind: domain.MediaVideo, Direction: domain.CallIncoming, Status: domain.CallConnected}, snap)
}

func TestHangupWhileRinging_OneDeclinedLog(t *testing.T) {
	f := newFixture()

	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalOffer, CallID: "c1", SDP: "o"})
	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalHangup, CallID: "c1"})
	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalHangup, CallID: "c1"})
	f.advance(time.Minute)

	require.Len(t, f.ended, 1)
	assert.Equal(t, domain.OutcomeDeclined, f.ended[0].Outcome)
	assert.Equal(t, time.Duration(0), f.ended[0].Duration)
	assert.Len(t, f.recorder.msgs, 1)
	assert.Empty(t, f.signaler.logs, "only the caller sends the log to the peer")
	assert.Equal(t, domain.CallIdle, f.status())
}

func TestOfferWhileBusy_RepliesBusy(t *testing.T) {
	f := newFixture()

	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalOffer, CallID: "c1", SDP: "o"})
	f.m.HandleSignal(hank, wire.Signal{Type: wire.SignalOffer, CallID: "c2", SDP: "o"})
	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalOffer, CallID: "c1", SDP: "o"})

	require.Len(t, f.signaler.signals, 1)
	assert.Equal(t, sent{hank, wire.Signal{Type: wire.SignalHangup, CallID: "c2", Reason: wire.ReasonBusy}}, f.signaler.signals[0])
	snap, _ := f.m.State()
	assert.Equal(t, "c1", snap.CallID)

	_, err := f.m.StartCall(hank, domain.MediaVoice)
	assert.ErrorIs(t, err, call.ErrBusy)
}

func TestSignalsForOtherCallsIgnored(t *testing.T) {
	f := newFixture()

	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalOffer, CallID: "c1", SDP: "o"})
	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalHangup, CallID: "other"})
	f.m.HandleSignal(hank, wire.Signal{Type: wire.SignalHangup, CallID: "c1"})

	assert.Equal(t, domain.CallRinging, f.status())
	assert.Empty(t, f.ended)
}

func TestRingTimeout_Missed(t *testing.T) {
	f := newFixture()

	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalOffer, CallID: "c1", SDP: "o"})
	f.advance(44 * time.Second)
	assert.Equal(t, domain.CallRinging, f.status())
	f.advance(time.Second)

	require.Len(t, f.ended, 1)
	assert.Equal(t, domain.OutcomeMissed, f.ended[0].Outcome)
	assert.Equal(t, []string{wire.SignalHangup}, f.signaler.types())
}

func TestOutgoingDeclined_ReportedToPeerAsMissed(t *testing.T) {
	f := newFixture()

	id, err := f.m.StartCall(gina, domain.MediaVideo)
	require.NoError(t, err)
	f.loop.Settle()
	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalHangup, CallID: id})
	f.loop.Settle()

	require.Len(t, f.ended, 1)
	assert.Equal(t, domain.OutcomeDeclined, f.ended[0].Outcome)
	assert.Equal(t, "Video call declined", f.recorder.msgs[0].Content)
	require.Len(t, f.signaler.logs, 1)
	assert.Equal(t, domain.OutcomeMissed, f.signaler.logs[0].Outcome)
}

func TestStartCall_MediaFailureIsMissed(t *testing.T) {
	f := newFixture()
	f.media.err = errors.New("no microphone")

	_, err := f.m.StartCall(gina, domain.MediaVoice)
	require.NoError(t, err)
	f.loop.Settle()

	assert.Empty(t, f.signaler.types(), "no offer was sent")
	require.Len(t, f.ended, 1)
	assert.Equal(t, domain.OutcomeMissed, f.ended[0].Outcome)
	assert.Equal(t, domain.CallIdle, f.status())
}

func TestAccept_MediaFailureHangsUp(t *testing.T) {
	f := newFixture()
	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalOffer, CallID: "c1", SDP: "o"})
	f.media.err = errors.New("camera busy")

	require.NoError(t, f.m.Accept())
	f.loop.Settle()

	assert.Equal(t, []string{wire.SignalHangup}, f.signaler.types())
	require.Len(t, f.ended, 1)
	assert.Equal(t, domain.OutcomeMissed, f.ended[0].Outcome)
}

func TestMediaFailure_AfterAndBeforeConnect(t *testing.T) {
	f := newFixture()
	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalOffer, CallID: "c1", SDP: "o"})
	require.NoError(t, f.m.Accept())
	f.loop.Settle()
	f.media.peer().RemoteTrack()
	f.loop.Settle()
	f.media.peer().Failed(errors.New("ice failed"))
	f.loop.Settle()

	f.m.HandleSignal(hank, wire.Signal{Type: wire.SignalOffer, CallID: "c2", SDP: "o"})
	require.NoError(t, f.m.Accept())
	f.loop.Settle()
	f.media.peer().Failed(errors.New("ice failed"))
	f.loop.Settle()

	require.Len(t, f.ended, 2)
	assert.Equal(t, domain.OutcomeCompleted, f.ended[0].Outcome)
	assert.Equal(t, domain.OutcomeMissed, f.ended[1].Outcome)
}

func TestAccept_RequiresRingingCall(t *testing.T) {
	f := newFixture()
	assert.ErrorIs(t, f.m.Accept(), call.ErrNoCall)

	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalOffer, CallID: "c1", SDP: "o"})
	require.NoError(t, f.m.Accept())
	assert.ErrorIs(t, f.m.Accept(), call.ErrNoCall)
}

func TestHangupDuringAccept_ClosesLateLink(t *testing.T) {
	f := newFixture()
	f.media.gate = make(chan struct{})
	f.m.HandleSignal(gina, wire.Signal{Type: wire.SignalOffer, CallID: "c1", SDP: "o"})
	require.NoError(t, f.m.Accept())

	f.m.Hangup()
	close(f.media.gate)
	f.loop.Settle()

	require.Len(t, f.ended, 1)
	assert.Equal(t, domain.OutcomeDeclined, f.ended[0].Outcome)
	assert.True(t, f.media.link().isClosed())
	assert.Equal(t, []string{wire.SignalHangup}, f.signaler.types())
}
