package ratchet_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entropy/internal/crypto"
	"entropy/internal/domain"
	"entropy/internal/protocol/ratchet"
)

type sealed struct {
	header domain.RatchetHeader
	ct     []byte
}

// pair returns an initiator and responder state sharing a root key. The
// responder is seeded from the initiator's first message header.
func pair(t *testing.T) (a, b domain.RatchetState, first sealed) {
	t.Helper()
	rk := bytes.Repeat([]byte{0x42}, 32)

	bPriv, bPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	a, err = ratchet.InitAsInitiator(rk, bPub)
	require.NoError(t, err)

	h, ct, err := ratchet.Encrypt(&a, nil, []byte("hello"))
	require.NoError(t, err)

	var senderRatchet domain.X25519Public
	copy(senderRatchet[:], h.DiffieHellmanPublicKey)
	b, err = ratchet.InitAsResponder(rk, bPriv, senderRatchet)
	require.NoError(t, err)
	return a, b, sealed{h, ct}
}

func send(t *testing.T, st *domain.RatchetState, msg string) sealed {
	t.Helper()
	h, ct, err := ratchet.Encrypt(st, nil, []byte(msg))
	require.NoError(t, err)
	return sealed{h, ct}
}

func recv(t *testing.T, st *domain.RatchetState, m sealed) string {
	t.Helper()
	pt, err := ratchet.Decrypt(st, nil, m.header, m.ct)
	require.NoError(t, err)
	return string(pt)
}

func TestDoubleRatchet_OneRoundTrip(t *testing.T) {
	a, b, first := pair(t)

	assert.Equal(t, "hello", recv(t, &b, first))
	reply := send(t, &b, "hi back")
	assert.Equal(t, "hi back", recv(t, &a, reply))
	again := send(t, &a, "third")
	assert.Equal(t, "third", recv(t, &b, again))
}

func TestDoubleRatchet_OutOfOrderWithinChain(t *testing.T) {
	a, b, first := pair(t)
	m1 := send(t, &a, "one")
	m2 := send(t, &a, "two")

	assert.Equal(t, "two", recv(t, &b, m2))
	assert.Equal(t, "hello", recv(t, &b, first))
	assert.Equal(t, "one", recv(t, &b, m1))

	m3 := send(t, &a, "three")
	assert.Equal(t, "three", recv(t, &b, m3))
}

func TestDoubleRatchet_LateMessageFromPreviousChain(t *testing.T) {
	a, b, first := pair(t)
	late := send(t, &a, "late")

	assert.Equal(t, "hello", recv(t, &b, first))
	assert.Equal(t, "ack", recv(t, &a, send(t, &b, "ack")))
	assert.Equal(t, "new chain", recv(t, &b, send(t, &a, "new chain")))

	assert.Equal(t, "late", recv(t, &b, late))
}

func TestDoubleRatchet_FailedDecryptOnCloneLeavesState(t *testing.T) {
	_, b, first := pair(t)
	before := b.Clone()

	tampered := first
	tampered.ct = append([]byte(nil), first.ct...)
	tampered.ct[0] ^= 0xff

	trial := b.Clone()
	_, err := ratchet.Decrypt(&trial, nil, tampered.header, tampered.ct)
	require.Error(t, err)
	assert.Equal(t, before, b)

	assert.Equal(t, "hello", recv(t, &b, first))
}

func TestDoubleRatchet_RejectsHugeSkip(t *testing.T) {
	_, b, first := pair(t)
	h := first.header
	h.MessageIndex = 5000
	_, err := ratchet.Decrypt(&b, nil, h, first.ct)
	assert.ErrorIs(t, err, ratchet.ErrTooManySkipped)
}
