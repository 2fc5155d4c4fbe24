package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entropy/internal/crypto"
	"entropy/internal/domain"
)

func TestGenerateX25519_Clamped(t *testing.T) {
	priv, _, err := crypto.GenerateX25519()
	require.NoError(t, err)
	assert.Equal(t, byte(0), priv[0]&7)
	assert.Equal(t, byte(64), priv[31]&0xc0)
}

func TestDH_RejectsLowOrderKey(t *testing.T) {
	priv, _, err := crypto.GenerateX25519()
	require.NoError(t, err)
	_, err = crypto.DH(priv, domain.X25519Public{})
	assert.Error(t, err)
}
