package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"entropy/internal/crypto"
)

func TestWipe(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{4, 5}
	crypto.Wipe(a, nil, b)
	require.Equal(t, []byte{0, 0, 0}, a)
	require.Equal(t, []byte{0, 0}, b)
}
