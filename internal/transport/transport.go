package transport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"entropy/internal/domain"
	"entropy/internal/eventloop"
	"entropy/internal/wire"
)

var (
	// ErrDisconnected rejects pending Connect futures on Disconnect.
	ErrDisconnected = errors.New("transport: disconnected")
)

// Options configures a Transport.
type Options struct {
	URL      string
	Identity domain.PeerID

	BaseDelay      time.Duration
	MaxRetries     uint64
	StabilizeAfter time.Duration
	DialTimeout    time.Duration
	OutboxSize     int
	WriteBuffer    int
}

func (o *Options) setDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.StabilizeAfter <= 0 {
		o.StabilizeAfter = 5 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 15 * time.Second
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = 512
	}
	if o.WriteBuffer <= 0 {
		o.WriteBuffer = 64
	}
}

// Resolver claims replies to correlated requests.
type Resolver interface {
	Resolve(c wire.Control) bool
}

// Handler receives the frames the transport does not consume itself.
type Handler interface {
	HandleControl(c wire.Control)
	HandleBinary(f wire.BinaryFrame)
}

// Target is one member ciphertext of a multicast.
type Target struct {
	To      domain.PeerID `json:"to"`
	Body    string        `json:"body"`
	MsgType int           `json:"msg_type"`
}

// Transport is the relay connection state machine.
type Transport struct {
	loop      *eventloop.Loop
	dialer    Dialer
	tokens    domain.TokenStore
	presenter domain.Presenter
	log       *logrus.Entry
	opts      Options

	resolver Resolver
	handler  Handler
	onAuth   []func(wire.Control)

	status  domain.ConnectionStatus
	gen     uint64
	link    *link
	token   string
	stopped bool

	waiters    []chan error
	cancelDial context.CancelFunc

	lastActivity time.Time

	retry     backoff.BackOff
	attempts  int
	retryT    *eventloop.Timer
	stabilize *eventloop.Timer

	outbox *outbox
}

// New returns a disconnected transport. token is the session token saved by
// an earlier run, if any.
func New(
	loop *eventloop.Loop,
	dialer Dialer,
	tokens domain.TokenStore,
	presenter domain.Presenter,
	log *logrus.Entry,
	opts Options,
	token string,
) *Transport {
	opts.setDefaults()
	return &Transport{
		loop:      loop,
		dialer:    dialer,
		tokens:    tokens,
		presenter: presenter,
		log:       log.WithField("component", "transport"),
		opts:      opts,
		status:    domain.ConnDisconnected,
		token:     token,
		retry:     newRetryPolicy(opts.BaseDelay, opts.MaxRetries),
		outbox:    newOutbox(opts.OutboxSize),
	}
}

// SetResolver installs the request correlator.
func (t *Transport) SetResolver(r Resolver) { t.resolver = r }

// SetHandler installs the inbound frame handler.
func (t *Transport) SetHandler(h Handler) { t.handler = h }

// OnAuthenticated registers fn to run after each successful authentication
// with the auth_success frame.
func (t *Transport) OnAuthenticated(fn func(wire.Control)) {
	t.onAuth = append(t.onAuth, fn)
}

// Status reports the connection state.
func (t *Transport) Status() domain.ConnectionStatus { return t.status }

// SessionToken returns the cached relay session token.
func (t *Transport) SessionToken() string { return t.token }

// Attempts returns the retry counter.
func (t *Transport) Attempts() int { return t.attempts }

// LastActivity returns when the current connection last delivered a frame,
// or when it opened if nothing has arrived yet.
func (t *Transport) LastActivity() time.Time { return t.lastActivity }

// Queued returns the number of frames waiting in the outbox.
func (t *Transport) Queued() int { return t.outbox.len() }

// Connect starts a connection attempt unless one is open or in flight. The
// returned channel receives the attempt's result; concurrent callers share it.
func (t *Transport) Connect() <-chan error {
	ch := make(chan error, 1)
	if t.status == domain.ConnConnected || t.status == domain.ConnAuthenticated {
		ch <- nil
		return ch
	}
	t.waiters = append(t.waiters, ch)
	if t.status == domain.ConnConnecting {
		return ch
	}
	t.stopped = false
	stopTimer(&t.retryT)
	t.dial()
	return ch
}

// Reconnect resets the retry schedule and connects. It is the way back after
// retries have been exhausted.
func (t *Transport) Reconnect() <-chan error {
	t.retry.Reset()
	t.attempts = 0
	return t.Connect()
}

// Disconnect closes the connection and cancels pending retries.
func (t *Transport) Disconnect() {
	t.stopped = true
	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}
	stopTimer(&t.retryT)
	stopTimer(&t.stabilize)
	t.retry.Reset()
	t.attempts = 0

	if t.status == domain.ConnConnected {
		t.invalidateToken()
	}
	t.teardown()
	t.settle(ErrDisconnected)
	t.setStatus(domain.ConnDisconnected)
	t.log.Info("disconnected from relay")
}

// SendControl sends a JSON control frame, queueing it until the connection
// is authenticated.
func (t *Transport) SendControl(m wire.Message) {
	b, err := json.Marshal(m)
	if err != nil {
		t.log.WithError(err).WithField("type", m.Type()).Warn("dropping unencodable control frame")
		return
	}
	t.send(frame{kind: websocket.TextMessage, data: b})
}

// SendEnvelope sends payload to recipient as a binary frame. A malformed
// recipient id drops the send.
func (t *Transport) SendEnvelope(recipient domain.PeerID, payload []byte) {
	b, err := wire.EncodeBinary(recipient, payload)
	if err != nil {
		t.log.WithError(err).WithField("peer", recipient).Warn("dropping envelope")
		return
	}
	t.send(frame{kind: websocket.BinaryMessage, data: b})
}

// SendVolatile relays body to peer only if the connection is authenticated
// right now. Nothing is queued.
func (t *Transport) SendVolatile(peer domain.PeerID, body string) {
	to := peer.Routing()
	if !to.Valid() {
		t.log.WithField("peer", peer).Warn("dropping volatile frame for malformed id")
		return
	}
	if t.status != domain.ConnAuthenticated {
		t.log.WithField("peer", to).Debug("not authenticated; volatile frame dropped")
		return
	}
	b, err := json.Marshal(wire.NewMessage(wire.TypeVolatileRelay).With("to", to).With("body", body))
	if err != nil {
		return
	}
	if !t.link.enqueue(frame{kind: websocket.TextMessage, data: b, transient: true}) {
		t.log.WithField("peer", to).Warn("write buffer full; volatile frame dropped")
	}
}

// SendMulticast sends one ciphertext per group member in a single frame.
func (t *Transport) SendMulticast(targets []Target) {
	valid := targets[:0:0]
	for _, tg := range targets {
		tg.To = tg.To.Routing()
		if !tg.To.Valid() {
			t.log.WithField("peer", tg.To).Warn("skipping multicast target with malformed id")
			continue
		}
		valid = append(valid, tg)
	}
	if len(valid) == 0 {
		return
	}
	t.SendControl(wire.NewMessage(wire.TypeGroupMulticast).With("targets", valid))
}

// send keeps frames in order: once anything waits in the outbox, new frames
// queue behind it and reach the link only through flush.
func (t *Transport) send(f frame) {
	if t.status == domain.ConnAuthenticated && t.outbox.len() == 0 && t.link.enqueue(f) {
		return
	}
	t.queue(f)
	t.flush()
}

// flush moves frames from the outbox onto the link while the writer has room.
func (t *Transport) flush() {
	if t.status != domain.ConnAuthenticated || t.link == nil {
		return
	}
	for {
		f, ok := t.outbox.peek()
		if !ok || !t.link.enqueue(f) {
			return
		}
		t.outbox.pop()
	}
}

// requeue returns frames a dead link never wrote to the head of the outbox.
// Handshake and volatile frames are discarded.
func (t *Transport) requeue(frames []frame) {
	kept := frames[:0]
	for _, f := range frames {
		if !f.transient {
			kept = append(kept, f)
		}
	}
	frames = kept
	if len(frames) == 0 {
		return
	}
	if n := t.outbox.pushFront(frames); n > 0 {
		t.log.WithField("dropped", n).Warn("outbox full; dropped oldest frames while requeueing")
	}
	t.log.WithField("frames", len(frames)).Debug("requeued unwritten frames")
	t.flush()
}

func (t *Transport) queue(f frame) {
	if t.outbox.push(f) {
		t.log.WithField("limit", t.opts.OutboxSize).Warn("outbox full; dropped oldest frame")
	}
}

// writeNow bypasses the authentication gate for handshake frames.
func (t *Transport) writeNow(m wire.Message) {
	if t.link == nil {
		return
	}
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	if !t.link.enqueue(frame{kind: websocket.TextMessage, data: b, transient: true}) {
		t.log.WithField("type", m.Type()).Warn("write buffer full; handshake frame dropped")
	}
}

func (t *Transport) dial() {
	t.gen++
	gen := t.gen
	t.setStatus(domain.ConnConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), t.opts.DialTimeout)
	t.cancelDial = cancel
	url := t.opts.URL
	eventloop.Async(t.loop, func() (Conn, error) {
		defer cancel()
		return t.dialer.Dial(ctx, url)
	}, func(c Conn, err error) {
		if gen != t.gen {
			if c != nil {
				_ = c.Close()
			}
			return
		}
		t.cancelDial = nil
		if err != nil {
			t.dialFailed(err)
			return
		}
		t.opened(c)
	})
}

func (t *Transport) dialFailed(err error) {
	t.log.WithError(err).WithField("attempt", t.attempts).Warn("relay dial failed")
	t.settle(err)
	t.setStatus(domain.ConnDisconnected)
	t.scheduleRetry()
}

func (t *Transport) scheduleRetry() {
	if t.stopped {
		return
	}
	d := t.retry.NextBackOff()
	if d == backoff.Stop {
		t.log.WithField("attempt", t.attempts).Error("relay unreachable; retries exhausted")
		return
	}
	t.attempts++
	t.log.WithFields(logrus.Fields{"attempt": t.attempts, "delay": d}).Info("scheduling relay reconnect")
	t.retryT = t.loop.AfterFunc(d, func() {
		t.retryT = nil
		t.dial()
	})
}

func (t *Transport) opened(c Conn) {
	gen := t.gen
	l := newLink(c, t.opts.WriteBuffer)
	t.link = l
	go l.writeLoop(func() {
		t.loop.Post(func() {
			if gen == t.gen {
				t.flush()
			}
		})
	}, func(failed []frame, err error) {
		t.loop.Post(func() {
			if err != nil {
				t.lost(gen, err)
			}
			t.requeue(append(failed, l.pending()...))
		})
	})
	go l.readLoop(func(f frame) {
		t.loop.Post(func() { t.receive(gen, f) })
	}, func(err error) {
		t.loop.Post(func() { t.lost(gen, err) })
	})

	t.lastActivity = t.loop.Now()
	t.setStatus(domain.ConnConnected)
	t.log.WithField("url", t.opts.URL).Info("connected to relay")
	t.settle(nil)
	t.stabilize = t.loop.AfterFunc(t.opts.StabilizeAfter, func() {
		t.stabilize = nil
		t.retry.Reset()
		t.attempts = 0
	})

	auth := wire.NewMessage(wire.TypeAuth).With("identity_hash", t.opts.Identity)
	if t.token != "" {
		auth = auth.With("session_token", t.token)
	}
	t.writeNow(auth)
}

func (t *Transport) lost(gen uint64, err error) {
	if gen != t.gen || t.link == nil {
		return
	}
	t.log.WithError(err).Warn("relay connection lost")
	stopTimer(&t.stabilize)
	if t.status != domain.ConnAuthenticated {
		t.invalidateToken()
	}
	t.teardown()
	t.setStatus(domain.ConnDisconnected)
	t.scheduleRetry()
}

// teardown closes the current link and makes its pending events stale.
func (t *Transport) teardown() {
	t.gen++
	if t.link != nil {
		t.link.close()
		t.link = nil
	}
}

func (t *Transport) receive(gen uint64, f frame) {
	if gen != t.gen {
		return
	}
	t.lastActivity = t.loop.Now()
	switch f.kind {
	case websocket.TextMessage:
		t.receiveControl(f.data)
	case websocket.BinaryMessage:
		t.receiveBinary(wire.DecodeBinary(f.data))
	}
}

func (t *Transport) receiveControl(data []byte) {
	c, err := wire.ParseControl(data)
	if err != nil {
		t.log.WithError(err).Warn("dropping malformed control frame")
		return
	}
	if c.ReqID != "" && t.resolver != nil && t.resolver.Resolve(c) {
		return
	}

	switch c.Type {
	case wire.TypeAuthSuccess:
		t.authenticated(c)
	case wire.TypeError:
		t.relayError(c)
	case wire.TypePing:
		t.writeNow(wire.NewMessage(wire.TypePong))
	case wire.TypePong, wire.TypeDummyAck, wire.TypeDummyPacing, wire.TypeRelaySuccess, wire.TypeDeliveryStatus:
		t.log.WithField("type", c.Type).Debug("ignoring relay housekeeping frame")
	case wire.TypeQueuedMessage:
		t.receiveQueued(c)
	default:
		if t.handler != nil {
			t.handler.HandleControl(c)
		}
	}
}

// receiveQueued unwraps a message the relay held while we were offline.
// Object payloads are control frames; string payloads are hex binary frames.
func (t *Transport) receiveQueued(c wire.Control) {
	raw, ok := c.Fields["payload"]
	if !ok {
		t.log.Warn("queued message without payload")
		return
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		b, err := hex.DecodeString(s)
		if err != nil {
			t.log.WithError(err).Warn("dropping queued binary with bad hex")
			return
		}
		t.receiveBinary(wire.DecodeBinary(b))
		return
	}
	t.receiveControl(raw)
}

func (t *Transport) receiveBinary(f wire.BinaryFrame) {
	if len(f.Payload) == 0 {
		t.log.WithField("peer", f.Sender).Debug("dropping empty binary frame")
		return
	}
	if t.handler != nil {
		t.handler.HandleBinary(f)
	}
}

func (t *Transport) authenticated(c wire.Control) {
	if t.status != domain.ConnConnected {
		return
	}
	if tok := c.String("session_token"); tok != "" && tok != t.token {
		t.token = tok
		t.saveToken(tok)
	}
	t.setStatus(domain.ConnAuthenticated)
	t.log.Info("authenticated with relay")

	t.flush()
	for _, fn := range t.onAuth {
		fn(c)
	}
}

func (t *Transport) relayError(c wire.Control) {
	code := c.String("code")
	entry := t.log.WithFields(logrus.Fields{"code": code, "message": c.String("message")})
	if code == wire.CodeAuthFailed {
		entry.Warn("relay rejected session token")
		t.invalidateToken()
		return
	}
	entry.Warn("relay error")
}

func (t *Transport) saveToken(tok string) {
	if t.tokens == nil {
		return
	}
	sess := domain.RelaySession{ServerURL: t.opts.URL, Identity: t.opts.Identity, Token: tok}
	eventloop.Async(t.loop, func() (struct{}, error) {
		return struct{}{}, t.tokens.SaveRelaySession(sess)
	}, func(_ struct{}, err error) {
		if err != nil {
			t.log.WithError(err).Warn("failed to persist session token")
		}
	})
}

// invalidateToken forgets the session token. A token only becomes
// trustworthy once the relay accepted it on an authenticated connection.
func (t *Transport) invalidateToken() {
	if t.token == "" {
		return
	}
	t.token = ""
	t.log.Info("session token invalidated")
	if t.tokens == nil {
		return
	}
	url, id := t.opts.URL, t.opts.Identity
	eventloop.Async(t.loop, func() (struct{}, error) {
		return struct{}{}, t.tokens.ClearRelaySession(url, id)
	}, func(_ struct{}, err error) {
		if err != nil {
			t.log.WithError(err).Warn("failed to clear session token")
		}
	})
}

func (t *Transport) settle(err error) {
	for _, ch := range t.waiters {
		ch <- err
	}
	t.waiters = nil
}

func (t *Transport) setStatus(s domain.ConnectionStatus) {
	if t.status == s {
		return
	}
	t.status = s
	if t.presenter != nil {
		t.presenter.Notify(domain.ConnectionStatusChanged{Status: s})
	}
}

func stopTimer(t **eventloop.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
