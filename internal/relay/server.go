package relay

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"entropy/internal/domain"
	"entropy/internal/wire"
)

// maxQueued bounds the envelopes held for one offline peer.
const maxQueued = 1000

// Server is an in-memory relay for development and tests. It routes
// envelopes between authenticated websocket clients, holds them for offline
// peers and serves the prekey directory. It never sees plaintext.
type Server struct {
	log *logrus.Entry
	up  websocket.Upgrader
	mux *http.ServeMux

	mu        sync.Mutex
	clients   map[domain.PeerID]*client
	tokens    map[string]domain.PeerID
	queued    map[domain.PeerID][]any
	bundles   map[domain.PeerID]domain.PreKeyBundle
	nicknames map[string]domain.PeerID
}

type client struct {
	id domain.PeerID
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *client) write(kind int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(kind, data)
}

func (c *client) writeJSON(m wire.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, b)
}

// NewServer returns an in-memory relay with no clients.
func NewServer(log *logrus.Entry) *Server {
	s := &Server{
		log:       log.WithField("component", "relay-server"),
		up:        websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		mux:       http.NewServeMux(),
		clients:   make(map[domain.PeerID]*client),
		tokens:    make(map[string]domain.PeerID),
		queued:    make(map[domain.PeerID][]any),
		bundles:   make(map[domain.PeerID]domain.PreKeyBundle),
		nicknames: make(map[string]domain.PeerID),
	}
	s.mux.HandleFunc("/ws", s.serveWS)
	s.mux.HandleFunc("/register", s.serveRegister)
	s.mux.HandleFunc("/prekey/", s.servePreKey)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The upgrader needs the original writer to hijack the connection.
	if r.URL.Path == "/ws" {
		s.mux.ServeHTTP(w, r)
		return
	}
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.WithFields(logrus.Fields{
		"method":   r.Method,
		"path":     r.URL.Path,
		"remote":   r.RemoteAddr,
		"status":   rec.status,
		"duration": time.Since(start),
	}).Debug("http request")
}

// HasBundle reports whether peer has published a prekey bundle.
func (s *Server) HasBundle(peer domain.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bundles[peer.Routing()]
	return ok
}

// Online reports whether peer has an authenticated connection.
func (s *Server) Online(peer domain.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.clients[peer.Routing()]
	return ok
}

func (s *Server) serveRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var b domain.PreKeyBundle
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Identity != domain.PeerIDFromKey(b.IdentityKey) {
		http.Error(w, "identity_hash does not match identity_key", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.bundles[b.Identity] = b
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"peer": b.Identity, "one_time": len(b.OneTimePreKeys)}).Info("prekey bundle registered")
	w.WriteHeader(http.StatusNoContent)
}

// servePreKey hands out the bundle with at most one one-time prekey, which is
// then removed so no two initiators share it.
func (s *Server) servePreKey(w http.ResponseWriter, r *http.Request) {
	peer := domain.PeerID(strings.TrimPrefix(r.URL.Path, "/prekey/"))
	s.mu.Lock()
	b, ok := s.bundles[peer]
	if ok && len(b.OneTimePreKeys) > 0 {
		stored := b
		stored.OneTimePreKeys = b.OneTimePreKeys[1:]
		s.bundles[peer] = stored
		b.OneTimePreKeys = b.OneTimePreKeys[:1]
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(b)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer ws.Close()

	c, ok := s.authenticate(ws)
	if !ok {
		return
	}
	defer s.drop(c)

	log := s.log.WithField("peer", c.id)
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			log.WithError(err).Debug("client gone")
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			s.routeBinary(c, data)
		case websocket.TextMessage:
			s.routeControl(c, data)
		}
	}
}

func (s *Server) authenticate(ws *websocket.Conn) (*client, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, false
	}
	_ = ws.SetReadDeadline(time.Time{})

	c := &client{ws: ws}
	ctl, err := wire.ParseControl(data)
	if err != nil || ctl.Type != wire.TypeAuth {
		_ = c.writeJSON(relayError("bad_request", "first frame must be auth"))
		return nil, false
	}
	id := domain.PeerID(ctl.String("identity_hash"))
	if !id.Valid() {
		_ = c.writeJSON(relayError("bad_request", "malformed identity_hash"))
		return nil, false
	}
	c.id = id.Routing()

	s.mu.Lock()
	if tok := ctl.String("session_token"); tok != "" && s.tokens[tok] != c.id {
		s.mu.Unlock()
		_ = c.writeJSON(relayError(wire.CodeAuthFailed, "unknown session token"))
		return nil, false
	}
	token := uuid.NewString()
	s.tokens[token] = c.id
	if prev, ok := s.clients[c.id]; ok {
		_ = prev.ws.Close()
	}
	s.clients[c.id] = c
	_, hasKeys := s.bundles[c.id]
	backlog := s.queued[c.id]
	delete(s.queued, c.id)
	s.mu.Unlock()

	err = c.writeJSON(wire.NewMessage(wire.TypeAuthSuccess).
		With("identity_hash", c.id).
		With("session_token", token).
		With("keys_missing", !hasKeys))
	if err != nil {
		return nil, false
	}
	s.log.WithFields(logrus.Fields{"peer": c.id, "queued": len(backlog)}).Info("client authenticated")
	for _, p := range backlog {
		if err := c.writeJSON(wire.NewMessage(wire.TypeQueuedMessage).With("payload", p)); err != nil {
			return nil, false
		}
	}
	return c, true
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[c.id] == c {
		delete(s.clients, c.id)
	}
}

// routeBinary replaces the recipient prefix with the sender's id.
func (s *Server) routeBinary(from *client, data []byte) {
	f := wire.DecodeBinary(data)
	if f.Sender == "" {
		_ = from.writeJSON(relayError("bad_request", "binary frame without recipient"))
		return
	}
	s.deliver(f.Sender, from.id, f.Payload, true)
}

// deliver sends payload to the recipient as a binary frame from sender. When
// the recipient is offline and hold is set the frame is queued.
func (s *Server) deliver(to, from domain.PeerID, payload []byte, hold bool) {
	frame, err := wire.EncodeBinary(from, payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	dst, online := s.clients[to]
	if !online {
		if hold {
			q := append(s.queued[to], hex.EncodeToString(frame))
			if len(q) > maxQueued {
				q = q[len(q)-maxQueued:]
			}
			s.queued[to] = q
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := dst.write(websocket.BinaryMessage, frame); err != nil {
		s.log.WithError(err).WithField("peer", to).Debug("forward failed")
	}
}

func (s *Server) routeControl(from *client, data []byte) {
	ctl, err := wire.ParseControl(data)
	if err != nil {
		_ = from.writeJSON(relayError("bad_request", "malformed control frame"))
		return
	}
	switch ctl.Type {
	case wire.TypePing:
		_ = from.writeJSON(wire.NewMessage(wire.TypePong))
	case wire.TypePong:
	case wire.TypeVolatileRelay:
		to := domain.PeerID(ctl.String("to"))
		if to.Valid() {
			s.deliver(to.Routing(), from.id, []byte(ctl.String("body")), false)
		}
	case wire.TypeGroupMulticast:
		s.multicast(from, ctl)
	case wire.TypeNicknameClaim:
		s.claimNickname(from, ctl)
	case wire.TypeNicknameLookup:
		s.lookupNickname(from, ctl)
	default:
		_ = from.writeJSON(reply(ctl, relayError("unknown_type", "unsupported frame type "+ctl.Type)))
	}
}

func (s *Server) multicast(from *client, ctl wire.Control) {
	var targets []struct {
		To      domain.PeerID `json:"to"`
		Body    string        `json:"body"`
		MsgType int           `json:"msg_type"`
	}
	if err := ctl.Decode("targets", &targets); err != nil {
		_ = from.writeJSON(relayError("bad_request", "malformed targets"))
		return
	}
	for _, t := range targets {
		if !t.To.Valid() {
			continue
		}
		env, err := json.Marshal(domain.CipherEnvelope{Type: t.MsgType, Body: t.Body})
		if err != nil {
			continue
		}
		s.deliver(t.To.Routing(), from.id, env, true)
	}
}

func (s *Server) claimNickname(from *client, ctl wire.Control) {
	name := strings.ToLower(strings.TrimSpace(ctl.String("nickname")))
	if name == "" {
		_ = from.writeJSON(reply(ctl, relayError("bad_request", "empty nickname")))
		return
	}
	s.mu.Lock()
	owner, taken := s.nicknames[name]
	if !taken || owner == from.id {
		s.nicknames[name] = from.id
	}
	s.mu.Unlock()
	if taken && owner != from.id {
		_ = from.writeJSON(reply(ctl, relayError("nickname_taken", "nickname already registered")))
		return
	}
	_ = from.writeJSON(reply(ctl, wire.NewMessage(wire.TypeNicknameClaim).With("nickname", name)))
}

func (s *Server) lookupNickname(from *client, ctl wire.Control) {
	name := strings.ToLower(strings.TrimSpace(ctl.String("nickname")))
	s.mu.Lock()
	id, ok := s.nicknames[name]
	s.mu.Unlock()
	if !ok {
		_ = from.writeJSON(reply(ctl, relayError("not_found", "no such nickname")))
		return
	}
	_ = from.writeJSON(reply(ctl, wire.NewMessage(wire.TypeNicknameLookup).With("identity_hash", id)))
}

func relayError(code, msg string) wire.Message {
	return wire.NewMessage(wire.TypeError).
		With("error", true).
		With("code", code).
		With("message", msg)
}

// reply echoes the request's correlation id.
func reply(req wire.Control, m wire.Message) wire.Message {
	if req.ReqID != "" {
		m = m.With(wire.CorrelationField, req.ReqID)
	}
	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
