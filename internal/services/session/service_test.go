package session_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entropy/internal/crypto"
	"entropy/internal/domain"
	"entropy/internal/services/prekey"
	"entropy/internal/services/session"
	"entropy/internal/store"
)

type directory struct {
	mu      sync.Mutex
	bundles map[domain.PeerID]domain.PreKeyBundle
	fetches atomic.Int32
	gate    chan struct{}
}

func (d *directory) RegisterPreKeyBundle(_ context.Context, b domain.PreKeyBundle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bundles[b.Identity] = b
	return nil
}

func (d *directory) FetchPreKeyBundle(_ context.Context, peer domain.PeerID) (domain.PreKeyBundle, error) {
	d.fetches.Add(1)
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bundles[peer]
	if !ok {
		return domain.PreKeyBundle{}, assert.AnError
	}
	// One-time keys are handed out once, as the relay does.
	if len(b.OneTimePreKeys) > 0 {
		rest := b
		rest.OneTimePreKeys = b.OneTimePreKeys[1:]
		d.bundles[peer] = rest
		b.OneTimePreKeys = b.OneTimePreKeys[:1]
	}
	return b, nil
}

type user struct {
	id      domain.PeerID
	svc     *session.Service
	prekeys *store.PrekeyFileStore
}

func newUser(t *testing.T, dir *directory) user {
	t.Helper()
	xPriv, xPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edPriv, edPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	ident := domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv}

	home := t.TempDir()
	ps := store.NewPrekeyFileStore(home)
	pk := prekey.New(ident, ps, store.NewBundleFileStore(home))
	_, _, err = pk.GenerateAndStorePreKeys(2)
	require.NoError(t, err)
	bundle, err := pk.LoadPreKeyBundle()
	require.NoError(t, err)
	require.NoError(t, dir.RegisterPreKeyBundle(context.Background(), bundle))

	log := logrus.New()
	log.SetOutput(io.Discard)
	svc := session.New(ident, store.NewSessionFileStore(home), store.NewRatchetFileStore(home), ps, dir, logrus.NewEntry(log))
	return user{id: domain.PeerIDFromKey(xPub), svc: svc, prekeys: ps}
}

func newDirectory() *directory {
	return &directory{bundles: make(map[domain.PeerID]domain.PreKeyBundle)}
}

func TestConversation_PreKeyUntilAnswered(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory()
	alice, bob := newUser(t, dir), newUser(t, dir)

	first, err := alice.svc.Encrypt(ctx, bob.id, []byte("hi bob"))
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopePreKey, first.Type)
	second, err := alice.svc.Encrypt(ctx, bob.id, []byte("still there?"))
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopePreKey, second.Type, "prekey rides along until bob answers")

	pt, err := bob.svc.Decrypt(ctx, alice.id, first)
	require.NoError(t, err)
	assert.Equal(t, "hi bob", string(pt))
	pt, err = bob.svc.Decrypt(ctx, alice.id, second)
	require.NoError(t, err)
	assert.Equal(t, "still there?", string(pt))
	assert.True(t, bob.svc.HasSession(alice.id))

	reply, err := bob.svc.Encrypt(ctx, alice.id, []byte("hey alice"))
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopeWhisper, reply.Type)
	pt, err = alice.svc.Decrypt(ctx, bob.id, reply)
	require.NoError(t, err)
	assert.Equal(t, "hey alice", string(pt))

	third, err := alice.svc.Encrypt(ctx, bob.id, []byte("great"))
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopeWhisper, third.Type)
	pt, err = bob.svc.Decrypt(ctx, alice.id, third)
	require.NoError(t, err)
	assert.Equal(t, "great", string(pt))
	assert.Equal(t, int32(1), dir.fetches.Load(), "bob never fetched a bundle")
}

func TestDecrypt_OutOfOrder(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory()
	alice, bob := newUser(t, dir), newUser(t, dir)

	var envs []domain.CipherEnvelope
	for _, m := range []string{"one", "two", "three"} {
		env, err := alice.svc.Encrypt(ctx, bob.id, []byte(m))
		require.NoError(t, err)
		envs = append(envs, env)
	}
	for _, i := range []int{2, 0, 1} {
		_, err := bob.svc.Decrypt(ctx, alice.id, envs[i])
		require.NoError(t, err, "message %d", i)
	}
}

func tamper(t *testing.T, env domain.CipherEnvelope) domain.CipherEnvelope {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(env.Body)
	require.NoError(t, err)
	var e domain.Envelope
	require.NoError(t, json.Unmarshal(raw, &e))
	e.Cipher[0] ^= 0xff
	raw, err = json.Marshal(e)
	require.NoError(t, err)
	env.Body = base64.StdEncoding.EncodeToString(raw)
	return env
}

func TestDecrypt_FailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory()
	alice, bob := newUser(t, dir), newUser(t, dir)
	opk := mustBundle(t, dir, bob.id).OneTimePreKeys[0].ID

	first, err := alice.svc.Encrypt(ctx, bob.id, []byte("hello"))
	require.NoError(t, err)

	_, err = bob.svc.Decrypt(ctx, alice.id, tamper(t, first))
	require.Error(t, err)
	assert.False(t, bob.svc.HasSession(alice.id))
	_, ok, err := bob.prekeys.LoadOneTimePreKey(opk)
	require.NoError(t, err)
	assert.True(t, ok, "one-time key survives a failed attempt")

	_, err = bob.svc.Decrypt(ctx, alice.id, first)
	require.NoError(t, err)
	_, ok, err = bob.prekeys.LoadOneTimePreKey(opk)
	require.NoError(t, err)
	assert.False(t, ok, "one-time key consumed on success")

	next, err := alice.svc.Encrypt(ctx, bob.id, []byte("again"))
	require.NoError(t, err)
	_, err = bob.svc.Decrypt(ctx, alice.id, tamper(t, next))
	require.Error(t, err)
	pt, err := bob.svc.Decrypt(ctx, alice.id, next)
	require.NoError(t, err)
	assert.Equal(t, "again", string(pt))

	_, err = bob.svc.Decrypt(ctx, alice.id, domain.CipherEnvelope{Type: 1, Body: "%%%"})
	assert.Error(t, err)
}

func mustBundle(t *testing.T, dir *directory, peer domain.PeerID) domain.PreKeyBundle {
	t.Helper()
	dir.mu.Lock()
	defer dir.mu.Unlock()
	b, ok := dir.bundles[peer]
	require.True(t, ok)
	return b
}

func TestDecrypt_SenderMismatch(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory()
	alice, bob, carol := newUser(t, dir), newUser(t, dir), newUser(t, dir)

	env, err := alice.svc.Encrypt(ctx, bob.id, []byte("hello"))
	require.NoError(t, err)

	_, err = bob.svc.Decrypt(ctx, carol.id, env)
	assert.ErrorIs(t, err, session.ErrSenderMismatch)
	_, err = bob.svc.Decrypt(ctx, alice.id, env)
	assert.NoError(t, err)
}

func TestDecrypt_WithoutSession(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory()
	alice, bob := newUser(t, dir), newUser(t, dir)

	_, err := alice.svc.Encrypt(ctx, bob.id, []byte("x"))
	require.NoError(t, err)
	reply, err := alice.svc.Encrypt(ctx, bob.id, []byte("y"))
	require.NoError(t, err)

	_, err = newUser(t, dir).svc.Decrypt(ctx, alice.id, whisperOf(t, reply))
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func whisperOf(t *testing.T, env domain.CipherEnvelope) domain.CipherEnvelope {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(env.Body)
	require.NoError(t, err)
	var e domain.Envelope
	require.NoError(t, json.Unmarshal(raw, &e))
	e.PreKey = nil
	raw, err = json.Marshal(e)
	require.NoError(t, err)
	return domain.CipherEnvelope{Type: domain.EnvelopeWhisper, Body: base64.StdEncoding.EncodeToString(raw)}
}

func TestEstablishSession_ConcurrentCallsShareOneFetch(t *testing.T) {
	dir := newDirectory()
	alice, bob := newUser(t, dir), newUser(t, dir)
	dir.gate = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = alice.svc.EstablishSession(context.Background(), bob.id)
		}(i)
	}
	require.Eventually(t, func() bool { return dir.fetches.Load() >= 1 }, testTimeout, testTick)
	close(dir.gate)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), dir.fetches.Load())
	assert.True(t, alice.svc.HasSession(bob.id))
}

func TestEstablishSession_RejectsForeignBundle(t *testing.T) {
	dir := newDirectory()
	alice, bob, carol := newUser(t, dir), newUser(t, dir), newUser(t, dir)
	dir.bundles[bob.id] = mustBundle(t, dir, carol.id)

	err := alice.svc.EstablishSession(context.Background(), bob.id)
	assert.ErrorIs(t, err, session.ErrBundleMismatch)
	assert.False(t, alice.svc.HasSession(bob.id))
}

func TestForget_AcceptsFreshPreKeyMessage(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory()
	alice, bob := newUser(t, dir), newUser(t, dir)

	env, err := alice.svc.Encrypt(ctx, bob.id, []byte("one"))
	require.NoError(t, err)
	_, err = bob.svc.Decrypt(ctx, alice.id, env)
	require.NoError(t, err)

	require.NoError(t, alice.svc.Forget(bob.id))
	assert.False(t, alice.svc.HasSession(bob.id))
	env, err = alice.svc.Encrypt(ctx, bob.id, []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopePreKey, env.Type)

	pt, err := bob.svc.Decrypt(ctx, alice.id, env)
	require.NoError(t, err)
	assert.Equal(t, "two", string(pt))
}
