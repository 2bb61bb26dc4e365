package keys

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateThenLoadRoundTrips(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	require.False(t, HasKeyPair(dir))

	pub, err := Generate(dir)
	require.NoError(t, err)
	require.Contains(t, string(pub), "PUBLIC KEY")
	require.True(t, HasKeyPair(dir))

	loaded, err := LoadPublicKeyPEM(dir)
	require.NoError(t, err)
	require.Equal(t, pub, loaded)

	priv, err := LoadPrivateKey(dir)
	require.NoError(t, err)
	require.NotNil(t, priv)
}

func TestLoadOrGenerateIsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	first, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	second, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestFingerprintStable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	pub, err := Generate(dir)
	require.NoError(t, err)

	require.Equal(t, Fingerprint(pub), Fingerprint(pub))
	require.Len(t, Fingerprint(pub), 16)
}
