// Package presence keeps the transient typing and online flags of peers.
// Both expire on their own unless renewed.
package presence

import (
	"time"

	"github.com/sirupsen/logrus"

	"entropy/internal/domain"
	"entropy/internal/eventloop"
)

// Options holds the typing and online expiry windows.
type Options struct {
	TypingTimeout time.Duration
	OnlineTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = 6 * time.Second
	}
	if o.OnlineTimeout <= 0 {
		o.OnlineTimeout = 25 * time.Second
	}
}

// Tracker owns one typing timer and one online timer per peer. It is
// loop-confined.
type Tracker struct {
	loop      *eventloop.Loop
	presenter domain.Presenter
	log       *logrus.Entry
	opts      Options

	typing    map[domain.PeerID]*eventloop.Timer
	online    map[domain.PeerID]*eventloop.Timer
	lastSeen  map[domain.PeerID]time.Time
	onOffline []func(domain.PeerID, time.Time)
}

// New returns a Tracker with no peers online.
func New(loop *eventloop.Loop, presenter domain.Presenter, log *logrus.Entry, opts Options) *Tracker {
	opts.setDefaults()
	return &Tracker{
		loop:      loop,
		presenter: presenter,
		log:       log.WithField("component", "presence"),
		opts:      opts,
		typing:    make(map[domain.PeerID]*eventloop.Timer),
		online:    make(map[domain.PeerID]*eventloop.Timer),
		lastSeen:  make(map[domain.PeerID]time.Time),
	}
}

// OnOffline registers fn to run whenever a peer goes offline.
func (t *Tracker) OnOffline(fn func(peer domain.PeerID, lastSeen time.Time)) {
	t.onOffline = append(t.onOffline, fn)
}

// SetTyping sets or clears the typing flag. A set flag clears itself after
// the typing timeout unless renewed.
func (t *Tracker) SetTyping(peer domain.PeerID, typing bool) {
	prev, was := t.typing[peer]
	if was {
		prev.Stop()
		delete(t.typing, peer)
	}
	if !typing {
		if was {
			t.notify(domain.TypingChanged{Peer: peer, Typing: false})
		}
		return
	}

	var timer *eventloop.Timer
	timer = t.loop.AfterFunc(t.opts.TypingTimeout, func() {
		if t.typing[peer] != timer {
			return
		}
		delete(t.typing, peer)
		t.notify(domain.TypingChanged{Peer: peer, Typing: false})
	})
	t.typing[peer] = timer
	if !was {
		t.notify(domain.TypingChanged{Peer: peer, Typing: true})
	}
}

// MarkOnline sets the peer online and restarts its auto-offline timer.
func (t *Tracker) MarkOnline(peer domain.PeerID) {
	prev, was := t.online[peer]
	if was {
		prev.Stop()
	}
	var timer *eventloop.Timer
	timer = t.loop.AfterFunc(t.opts.OnlineTimeout, func() {
		if t.online[peer] != timer {
			return
		}
		t.log.WithField("peer", peer).Debug("presence expired")
		t.offline(peer)
	})
	t.online[peer] = timer
	if !was {
		t.notify(domain.PresenceChanged{Peer: peer, Online: true, LastSeen: t.lastSeen[peer]})
	}
}

// MarkOffline sets the peer offline now and cancels its timer.
func (t *Tracker) MarkOffline(peer domain.PeerID) {
	if timer, ok := t.online[peer]; ok {
		timer.Stop()
		t.offline(peer)
		return
	}
	t.lastSeen[peer] = t.loop.Now()
}

func (t *Tracker) offline(peer domain.PeerID) {
	delete(t.online, peer)
	now := t.loop.Now()
	t.lastSeen[peer] = now
	t.notify(domain.PresenceChanged{Peer: peer, Online: false, LastSeen: now})
	for _, fn := range t.onOffline {
		fn(peer, now)
	}
}

// IsTyping reports the typing flag.
func (t *Tracker) IsTyping(peer domain.PeerID) bool {
	_, ok := t.typing[peer]
	return ok
}

// IsOnline reports the online flag.
func (t *Tracker) IsOnline(peer domain.PeerID) bool {
	_, ok := t.online[peer]
	return ok
}

// LastSeen returns when the peer was last marked offline.
func (t *Tracker) LastSeen(peer domain.PeerID) (time.Time, bool) {
	ts, ok := t.lastSeen[peer]
	return ts, ok
}

func (t *Tracker) notify(ev domain.Event) {
	if t.presenter != nil {
		t.presenter.Notify(ev)
	}
}
