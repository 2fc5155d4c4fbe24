package app

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entropy/internal/domain"
	"entropy/internal/relay"
	"entropy/internal/services/identity"
	"entropy/internal/store"
)

const (
	testPassphrase = "Entropy-Test-Pass-42!"
	waitFor        = 10 * time.Second
	tick           = 20 * time.Millisecond
)

var fastKDF = []store.KDFOption{store.WithScryptParams(1<<10, 8, 1)}

func quietLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type harness struct {
	srv   *httptest.Server
	relay *relay.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	r := relay.NewServer(quietLog())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, relay: r}
}

func (h *harness) client(t *testing.T) *Client {
	t.Helper()
	home := t.TempDir()
	_, _, err := identity.New(store.NewIdentityFileStore(home, fastKDF...)).GenerateIdentity(testPassphrase)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Home = home
	cfg.Passphrase = testPassphrase
	cfg.RelayURL = "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	cfg.OneTimeKeys = 3
	cfg.ICEServers = nil

	c, err := open(cfg, nil, quietLog(), deps{
		kdf: fastKDF,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// messages is polled from require.Eventually, so it reports failure as an
// empty result rather than through t.
func messages(c *Client, peer domain.PeerID) []domain.Message {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conv, ok, err := c.Conversation(ctx, peer)
	if err != nil || !ok {
		return nil
	}
	return conv.Messages
}

func TestClient_TextDeliveredAndAcknowledged(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.client(t), h.client(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, alice.Start(ctx))
	require.NoError(t, bob.Start(ctx))

	// Both upload their keys on their own once the relay says they are missing.
	require.Eventually(t, func() bool {
		return h.relay.HasBundle(alice.Self()) && h.relay.HasBundle(bob.Self())
	}, waitFor, tick)

	id, err := alice.SendText(ctx, bob.Self(), "hello bob")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got := messages(bob, alice.Self())
		return len(got) == 1 && got[0].ID == id && got[0].Content == "hello bob" && !got[0].Mine
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		got := messages(alice, bob.Self())
		return len(got) == 1 && got[0].Status == domain.StatusDelivered
	}, waitFor, tick)

	status, err := alice.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnAuthenticated, status)

	require.NoError(t, alice.Close())
	require.NoError(t, bob.Close())
}

func TestClient_OfflinePeerGetsQueuedMessage(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.client(t), h.client(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, bob.PublishKeys(ctx))
	require.NoError(t, alice.Start(ctx))

	id, err := alice.SendText(ctx, bob.Self(), "while you were out")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got := messages(alice, bob.Self())
		return len(got) == 1 && got[0].Status == domain.StatusSent
	}, waitFor, tick)
	assert.False(t, h.relay.Online(bob.Self()))

	require.NoError(t, bob.Start(ctx))
	require.Eventually(t, func() bool {
		got := messages(bob, alice.Self())
		return len(got) == 1 && got[0].ID == id
	}, waitFor, tick)
}

func TestClient_Nicknames(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.client(t), h.client(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, alice.Start(ctx))
	require.NoError(t, bob.Start(ctx))

	require.NoError(t, alice.ClaimNickname(ctx, "alice"))
	assert.Error(t, bob.ClaimNickname(ctx, "alice"))

	got, err := bob.LookupNickname(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, alice.Self(), got)

	_, err = bob.LookupNickname(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNoNickname)

	raw, err := bob.LookupNickname(ctx, alice.Self().String()+".1")
	require.NoError(t, err)
	assert.Equal(t, alice.Self(), raw)
}

func TestClient_NotStarted(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)

	_, err := c.SendText(context.Background(), c.Self(), "x")
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, c.Close())
}

func TestOpen_WrongPassphrase(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)

	cfg := c.cfg
	cfg.Passphrase = "Wrong-Pass-Phrase-1!"
	_, err := Open(cfg, nil, quietLog())
	assert.Error(t, err)
}
