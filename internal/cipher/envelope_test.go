package cipher

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	key, err := GenerateKey(AES256GCM)
	require.NoError(t, err)

	env, err := SealKey(key, kp.Public)
	require.NoError(t, err)
	assert.NotContains(t, string(env.Key), string(key))

	got, err := OpenKey(env, kp.Private)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	// Someone else's private key can't open it.
	other, err := GenerateKeyPair()
	require.NoError(t, err)
	_, err = OpenKey(env, other.Private)
	assert.ErrorIs(t, err, ErrIntegrity)

	// Tampering with the ephemeral key breaks authentication.
	env.Ephemeral = other.Public
	_, err = OpenKey(env, kp.Private)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestParsePublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		pub, err := ParsePublicKey(enc.EncodeToString(kp.Public))
		require.NoError(t, err)
		assert.Equal(t, kp.Public, pub)
	}

	_, err = ParsePublicKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
	_, err = ParsePublicKey("!!!")
	assert.Error(t, err)
}
