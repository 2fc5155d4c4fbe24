package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"entropy/internal/call"
	"entropy/internal/chat"
	"entropy/internal/correlator"
	"entropy/internal/dispatch"
	"entropy/internal/domain"
	"entropy/internal/eventloop"
	"entropy/internal/fragment"
	"entropy/internal/media"
	"entropy/internal/presence"
	"entropy/internal/relay"
	messagesvc "entropy/internal/services/message"
	prekeysvc "entropy/internal/services/prekey"
	sessionsvc "entropy/internal/services/session"
	"entropy/internal/store"
	"entropy/internal/transport"
	"entropy/internal/wire"
)

var (
	ErrNotStarted = errors.New("client is not running")
	ErrNoNickname = errors.New("nickname not found")
)

// Client is the running messenger: one event loop and the components it
// drives. Its methods may be called from any goroutine; each posts onto the
// loop and waits for the result.
type Client struct {
	cfg  Config
	log  *logrus.Entry
	self domain.PeerID

	loop     *eventloop.Loop
	vault    domain.Vault
	dir      *relay.Directory
	prekeys  *prekeysvc.Service
	sessions *sessionsvc.Service
	tr       *transport.Transport
	requests *correlator.Correlator
	chats    *chat.Store
	presence *presence.Tracker
	inbound  *dispatch.Dispatcher
	frags    *fragment.Reassembler
	calls    *call.Machine
	messages *messagesvc.Service

	publishMu sync.Mutex

	// loop-confined
	alias, avatar string

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan error
}

// deps are the seams the tests replace.
type deps struct {
	clock  clockwork.Clock
	dialer transport.Dialer
	media  call.MediaEngine
	kdf    []store.KDFOption
}

// Open unlocks the identity under cfg.Home and builds the client. presenter
// receives every state change; it is called on the loop.
func Open(cfg Config, presenter domain.Presenter, log *logrus.Entry) (*Client, error) {
	return open(cfg, presenter, log, deps{})
}

func open(cfg Config, presenter domain.Presenter, log *logrus.Entry, d deps) (*Client, error) {
	if cfg.Passphrase == "" {
		return nil, errors.New("passphrase required")
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, err
	}
	if presenter == nil {
		presenter = LogPresenter{Log: log}
	}

	id, err := store.NewIdentityFileStore(cfg.Home).LoadIdentity(cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlock identity: %w", err)
	}
	self := id.PeerID()
	log = log.WithField("self", shortID(self))

	fileVault, err := store.OpenVault(cfg.Home, cfg.Passphrase, d.kdf...)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	base, err := relay.HTTPBase(cfg.RelayURL)
	if err != nil {
		return nil, err
	}

	if d.clock == nil {
		d.clock = clockwork.NewRealClock()
	}
	if d.dialer == nil {
		d.dialer = relay.NewDialer(log)
	}
	if d.media == nil {
		engine, err := media.NewEngine(cfg.ICEServers, log)
		if err != nil {
			return nil, fmt.Errorf("media engine: %w", err)
		}
		d.media = engine
	}

	c := &Client{
		cfg:   cfg,
		log:   log.WithField("component", "client"),
		self:  self,
		loop:  eventloop.New(d.clock, log),
		vault: store.NewCachedVault(fileVault, cfg.VaultCache),
		dir:   relay.NewDirectory(base),
	}
	prekeyStore := store.NewPrekeyFileStore(cfg.Home)
	c.prekeys = prekeysvc.New(id, prekeyStore, store.NewBundleFileStore(cfg.Home))
	c.sessions = sessionsvc.New(id,
		store.NewSessionFileStore(cfg.Home),
		store.NewRatchetFileStore(cfg.Home),
		prekeyStore,
		c.dir, log)

	tokens := store.NewTokenFileStore(cfg.Home)
	var token string
	if sess, ok, err := tokens.LoadRelaySession(cfg.RelayURL, self); err != nil {
		c.log.WithError(err).Warn("ignoring unreadable session token")
	} else if ok {
		token = sess.Token
	}
	c.tr = transport.New(c.loop, d.dialer, tokens, presenter, log, transport.Options{
		URL:            cfg.RelayURL,
		Identity:       self,
		BaseDelay:      cfg.BaseDelay,
		MaxRetries:     cfg.MaxRetries,
		StabilizeAfter: cfg.StabilizeAfter,
		OutboxSize:     cfg.OutboxSize,
	}, token)
	c.requests = correlator.New(c.loop, c.tr, log)

	c.chats = chat.New(c.loop, c.vault, presenter, log, chat.Options{Identity: self})
	if err := c.chats.Load(); err != nil {
		return nil, err
	}
	c.presence = presence.New(c.loop, presenter, log, presence.Options{
		TypingTimeout: cfg.TypingTimeout,
		OnlineTimeout: cfg.OnlineTimeout,
	})
	c.messages = messagesvc.New(c.loop, c.sessions, c.tr, c.chats, c.vault, log, messagesvc.Options{
		Self:      self,
		ChunkSize: cfg.ChunkSize,
	})
	c.inbound = dispatch.New(c.loop, c.sessions, c.chats, c.presence, c.vault, log, dispatch.Options{
		Self:         self,
		ReadReceipts: cfg.ReadReceipts,
	})
	c.frags = fragment.New(c.loop, log, fragment.Options{
		StaleAfter: cfg.FragmentStale,
		MaxChunks:  cfg.MaxChunks,
	}, c.inbound.Reassembled)
	c.calls = call.New(c.loop, d.media, c.messages, c.chats, presenter, log, call.Options{
		RingTimeout: cfg.RingTimeout,
	})

	c.tr.SetResolver(c.requests)
	c.tr.SetHandler(c.inbound)
	c.tr.OnAuthenticated(c.authenticated)
	c.inbound.SetFragments(c.frags)
	c.inbound.SetCalls(c.calls)
	c.inbound.SetReceipts(c.messages)
	c.presence.OnOffline(c.chats.SetLastSeen)
	return c, nil
}

// Self returns the local routing id.
func (c *Client) Self() domain.PeerID { return c.self }

// Start runs the event loop and connects to the relay. It returns the result
// of the first connection attempt; later attempts follow the retry schedule.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("client already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.stopped = make(chan error, 1)
	c.mu.Unlock()

	go func() { c.stopped <- c.loop.Run(runCtx) }()

	var connected <-chan error
	if err := c.do(ctx, func() { connected = c.tr.Connect() }); err != nil {
		return err
	}
	select {
	case err := <-connected:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects, stops the loop and flushes conversations to the vault.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, stopped := c.cancel, c.stopped
	c.mu.Unlock()

	var result *multierror.Error
	if cancel != nil {
		ctx, done := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		err := c.do(ctx, func() {
			c.calls.Hangup()
			c.tr.Disconnect()
		})
		done()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("disconnect: %w", err))
		}
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		if err := <-stopped; err != nil && !errors.Is(err, context.Canceled) {
			result = multierror.Append(result, fmt.Errorf("event loop: %w", err))
		}
	}
	// The loop has stopped; nothing else touches the store now.
	if err := c.chats.Flush(); err != nil {
		result = multierror.Append(result, fmt.Errorf("flush conversations: %w", err))
	}
	return result.ErrorOrNil()
}

// do runs fn on the loop and waits for it to finish.
func (c *Client) do(ctx context.Context, fn func()) error {
	c.mu.Lock()
	running := c.cancel != nil
	c.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	done := make(chan struct{})
	c.loop.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishKeys tops up the one-time prekeys and registers the bundle with the
// relay directory. It does not need a running loop.
func (c *Client) PublishKeys(ctx context.Context) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	added, err := c.prekeys.Replenish(c.cfg.OneTimeKeys)
	if err != nil {
		return fmt.Errorf("replenish prekeys: %w", err)
	}
	bundle, err := c.prekeys.LoadPreKeyBundle()
	if err != nil {
		return err
	}
	if err := c.dir.RegisterPreKeyBundle(ctx, bundle); err != nil {
		return fmt.Errorf("register bundle: %w", err)
	}
	c.log.WithFields(logrus.Fields{"added": added, "one_time": len(bundle.OneTimePreKeys)}).Info("prekey bundle published")
	return nil
}

// authenticated runs on every auth_success.
func (c *Client) authenticated(ctl wire.Control) {
	if ctl.Bool("keys_missing") {
		eventloop.Async(c.loop, func() (struct{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
			defer cancel()
			return struct{}{}, c.PublishKeys(ctx)
		}, func(_ struct{}, err error) {
			if err != nil {
				c.log.WithError(err).Error("automatic key upload failed")
			}
		})
	}
	c.messages.SendPresence(true)
	if c.alias != "" || c.avatar != "" {
		c.messages.BroadcastProfile(c.alias, c.avatar)
	}
}

// SendText sends a text to a peer or group and returns the message id.
func (c *Client) SendText(ctx context.Context, to domain.PeerID, text string) (id string, err error) {
	if derr := c.do(ctx, func() { id, err = c.messages.SendText(to, text, "") }); derr != nil {
		return "", derr
	}
	return id, err
}

// SendFile sends an attachment and returns the message id.
func (c *Client) SendFile(ctx context.Context, to domain.PeerID, name, mime string, data []byte) (id string, err error) {
	if derr := c.do(ctx, func() { id, err = c.messages.SendFile(to, name, mime, data) }); derr != nil {
		return "", derr
	}
	return id, err
}

// SetProfile stores the local profile and sends it to every contact.
func (c *Client) SetProfile(ctx context.Context, alias, avatar string) error {
	return c.do(ctx, func() {
		c.alias, c.avatar = alias, avatar
		c.messages.BroadcastProfile(alias, avatar)
	})
}

// CreateGroup records a group and invites its members.
func (c *Client) CreateGroup(ctx context.Context, group domain.PeerID, name string, members []domain.PeerID) error {
	if !group.Valid() {
		return fmt.Errorf("group id %q: %w", group, wire.ErrBadRecipient)
	}
	return c.do(ctx, func() {
		all := append([]domain.PeerID{c.self}, members...)
		c.chats.UpsertGroup(group, name, all)
		c.messages.SendGroupInvite(group, name, all)
	})
}

// Conversation returns a copy of the stored conversation with peer.
func (c *Client) Conversation(ctx context.Context, peer domain.PeerID) (conv chat.Conversation, ok bool, err error) {
	err = c.do(ctx, func() { conv, ok = c.chats.Conversation(peer) })
	return conv, ok, err
}

// Focus marks the conversation as being read.
func (c *Client) Focus(ctx context.Context, peer domain.PeerID) error {
	return c.do(ctx, func() { c.chats.Focus(peer) })
}

// Block drops future envelopes from peer.
func (c *Client) Block(ctx context.Context, peer domain.PeerID) error {
	return c.do(ctx, func() { c.chats.Block(peer) })
}

func (c *Client) Unblock(ctx context.Context, peer domain.PeerID) error {
	return c.do(ctx, func() { c.chats.Unblock(peer) })
}

// Trust accepts a peer's new identity key after a change was reported.
func (c *Client) Trust(ctx context.Context, peer domain.PeerID) error {
	if err := c.sessions.Forget(peer); err != nil {
		return err
	}
	return c.do(ctx, func() { c.chats.Verify(peer) })
}

// StartCall places a call and returns its id.
func (c *Client) StartCall(ctx context.Context, peer domain.PeerID, kind domain.MediaKind) (id string, err error) {
	if derr := c.do(ctx, func() { id, err = c.calls.StartCall(peer, kind) }); derr != nil {
		return "", derr
	}
	return id, err
}

// Accept answers the ringing call.
func (c *Client) Accept(ctx context.Context) (err error) {
	if derr := c.do(ctx, func() { err = c.calls.Accept() }); derr != nil {
		return derr
	}
	return err
}

// Hangup ends the active call.
func (c *Client) Hangup(ctx context.Context) error {
	return c.do(ctx, c.calls.Hangup)
}

// CallState returns the active call, if any.
func (c *Client) CallState(ctx context.Context) (s call.Snapshot, ok bool, err error) {
	err = c.do(ctx, func() { s, ok = c.calls.State() })
	return s, ok, err
}

// Status reports the relay connection state.
func (c *Client) Status(ctx context.Context) (s domain.ConnectionStatus, err error) {
	err = c.do(ctx, func() { s = c.tr.Status() })
	return s, err
}

// ClaimNickname registers name for this identity on the relay.
func (c *Client) ClaimNickname(ctx context.Context, name string) error {
	_, err := c.request(ctx, wire.NewMessage(wire.TypeNicknameClaim).With("nickname", name))
	return err
}

// LookupNickname resolves a nickname to a routing id. A 64-hex input is
// already an id and is returned as is.
func (c *Client) LookupNickname(ctx context.Context, name string) (domain.PeerID, error) {
	name = strings.TrimSpace(name)
	if id := domain.PeerID(name); id.Valid() {
		return id.Routing(), nil
	}
	reply, err := c.request(ctx, wire.NewMessage(wire.TypeNicknameLookup).With("nickname", name))
	if err != nil {
		var rerr *correlator.RequestError
		if errors.As(err, &rerr) && rerr.Code == "not_found" {
			return "", fmt.Errorf("%s: %w", name, ErrNoNickname)
		}
		return "", err
	}
	id := domain.PeerID(reply.String("identity_hash"))
	if !id.Valid() {
		return "", fmt.Errorf("relay returned malformed id for %s", name)
	}
	return id, nil
}

func (c *Client) request(ctx context.Context, m wire.Message) (wire.Control, error) {
	var res <-chan correlator.Result
	if err := c.do(ctx, func() { res = c.requests.Request(m, c.cfg.RequestTimeout) }); err != nil {
		return wire.Control{}, err
	}
	select {
	case r := <-res:
		return r.Reply, r.Err
	case <-ctx.Done():
		return wire.Control{}, ctx.Err()
	}
}

func shortID(p domain.PeerID) string {
	if len(p) > 8 {
		return string(p[:8])
	}
	return string(p)
}
