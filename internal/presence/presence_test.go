package presence_test

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entropy/internal/domain"
	"entropy/internal/eventloop"
	"entropy/internal/presence"
)

var dave = domain.PeerID(strings.Repeat("d4", 32))

type events struct{ got []domain.Event }

func (e *events) Notify(ev domain.Event) { e.got = append(e.got, ev) }

func setup() (*presence.Tracker, *events, *eventloop.Loop, *clockwork.FakeClock) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	clock := clockwork.NewFakeClock()
	loop := eventloop.New(clock, logrus.NewEntry(log))
	ev := &events{}
	return presence.New(loop, ev, logrus.NewEntry(log), presence.Options{}), ev, loop, clock
}

func advance(loop *eventloop.Loop, clock *clockwork.FakeClock, d time.Duration) {
	clock.Advance(d)
	loop.Settle()
}

func TestTyping_ClearsAfterTimeout(t *testing.T) {
	tr, ev, loop, clock := setup()

	tr.SetTyping(dave, true)
	assert.True(t, tr.IsTyping(dave))

	advance(loop, clock, 5999*time.Millisecond)
	assert.True(t, tr.IsTyping(dave))
	advance(loop, clock, time.Millisecond)
	assert.False(t, tr.IsTyping(dave))

	assert.Equal(t, []domain.Event{
		domain.TypingChanged{Peer: dave, Typing: true},
		domain.TypingChanged{Peer: dave, Typing: false},
	}, ev.got)
}

func TestTyping_RenewalCancelsPriorTimer(t *testing.T) {
	tr, ev, loop, clock := setup()

	tr.SetTyping(dave, true)
	advance(loop, clock, 4*time.Second)
	tr.SetTyping(dave, true)
	advance(loop, clock, 4*time.Second)
	assert.True(t, tr.IsTyping(dave), "first timer must not clear renewed state")
	advance(loop, clock, 2*time.Second)
	assert.False(t, tr.IsTyping(dave))
	assert.Len(t, ev.got, 2)
}

func TestTyping_ExplicitStop(t *testing.T) {
	tr, ev, loop, clock := setup()

	tr.SetTyping(dave, true)
	tr.SetTyping(dave, false)
	assert.False(t, tr.IsTyping(dave))
	advance(loop, clock, time.Minute)
	assert.Len(t, ev.got, 2)

	tr.SetTyping(dave, false)
	assert.Len(t, ev.got, 2, "clearing an absent flag is silent")
}

func TestPresence_AutoOffline(t *testing.T) {
	tr, ev, loop, clock := setup()
	var offline []time.Time
	tr.OnOffline(func(_ domain.PeerID, at time.Time) { offline = append(offline, at) })

	start := clock.Now()
	tr.MarkOnline(dave)
	advance(loop, clock, 20*time.Second)
	tr.MarkOnline(dave)
	advance(loop, clock, 20*time.Second)
	assert.True(t, tr.IsOnline(dave), "renewal restarts the window")

	advance(loop, clock, 5*time.Second)
	assert.False(t, tr.IsOnline(dave))
	require.Len(t, offline, 1)
	assert.Equal(t, start.Add(45*time.Second), offline[0])

	seen, ok := tr.LastSeen(dave)
	require.True(t, ok)
	assert.Equal(t, offline[0], seen)
	assert.Len(t, ev.got, 2)
}

func TestPresence_ExplicitOfflineCancelsTimer(t *testing.T) {
	tr, ev, loop, clock := setup()

	tr.MarkOnline(dave)
	advance(loop, clock, time.Second)
	tr.MarkOffline(dave)
	assert.False(t, tr.IsOnline(dave))

	advance(loop, clock, time.Minute)
	require.Len(t, ev.got, 2)
	assert.Equal(t, domain.PresenceChanged{Peer: dave, Online: false, LastSeen: clock.Now().Add(-time.Minute)}, ev.got[1])
}
