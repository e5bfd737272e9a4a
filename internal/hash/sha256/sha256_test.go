package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

var hexKey = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestHashIsStableHexKey(t *testing.T) {
	t.Parallel()

	h := New()
	input := []byte("https://example.com|region|1200|900|false")
	first, err := h.Hash(input)
	require.NoError(t, err)
	second, err := New().Hash(input)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Regexp(t, hexKey, first)
}

func TestHashIsNamespaced(t *testing.T) {
	t.Parallel()

	input := []byte("https://example.com|full|1200|900|true")
	got, err := New().Hash(input)
	require.NoError(t, err)

	plain := sha256.Sum256(input)
	require.NotEqual(t, hex.EncodeToString(plain[:]), got)

	other, err := New().Hash([]byte("https://example.com|full|1200|901|true"))
	require.NoError(t, err)
	require.NotEqual(t, got, other)
}
