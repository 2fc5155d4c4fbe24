package prekey_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entropy/internal/crypto"
	"entropy/internal/domain"
	"entropy/internal/protocol/x3dh"
	"entropy/internal/services/prekey"
	"entropy/internal/store"
)

func newService(t *testing.T) (*prekey.Service, domain.Identity, *store.BundleFileStore) {
	t.Helper()
	xPriv, xPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edPriv, edPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	id := domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv}

	dir := t.TempDir()
	bs := store.NewBundleFileStore(dir)
	return prekey.New(id, store.NewPrekeyFileStore(dir), bs), id, bs
}

func TestLoadPreKeyBundle_NeedsSignedPreKey(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.LoadPreKeyBundle()
	assert.ErrorIs(t, err, prekey.ErrNoSignedPreKey)
}

func TestReplenish_TopsUpToTarget(t *testing.T) {
	svc, id, bs := newService(t)

	added, err := svc.Replenish(5)
	require.NoError(t, err)
	assert.Equal(t, 5, added)

	added, err = svc.Replenish(5)
	require.NoError(t, err)
	assert.Zero(t, added)

	added, err = svc.Replenish(7)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	b, err := svc.LoadPreKeyBundle()
	require.NoError(t, err)
	assert.Equal(t, id.PeerID(), b.Identity)
	assert.Len(t, b.OneTimePreKeys, 7)
	assert.True(t, x3dh.VerifySPK(id.EdPub, b.SignedPreKey, b.SignedPreKeySignature))

	cached, ok, err := bs.LoadPreKeyBundle(id.PeerID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, cached)
}
