package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	token, key := RandomAsymetricKey()
	require.True(t, key.PublicKey().Equal(token))
	msg := []byte("block 1")
	signature := key.Sign(msg)
	assert.True(t, token.Verify(msg, signature))
	assert.False(t, token.Verify([]byte("block 2"), signature))
	other, _ := RandomAsymetricKey()
	assert.False(t, other.Verify(msg, signature))
}

func TestPEMRoundTrip(t *testing.T) {
	token, key := RandomAsymetricKey()
	data, err := EncodePEMPrivateKey(key)
	require.NoError(t, err)
	parsed, err := ParsePEMPrivateKey(data)
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
	assert.True(t, IsValidPrivateKey(parsed[:]))

	public, err := EncodePEMPublicKey(token)
	require.NoError(t, err)
	parsedToken, err := ParsePEMPublicKey(public)
	require.NoError(t, err)
	assert.Equal(t, token, parsedToken)

	_, err = ParsePEMPrivateKey(public)
	assert.ErrorIs(t, err, ErrPrivateKeyParse)
}

func TestParseToken(t *testing.T) {
	token, _ := RandomAsymetricKey()
	parsed, err := ParseToken(token.String())
	require.NoError(t, err)
	assert.Equal(t, token, parsed)
	parsed, err = ParseToken(token.Hex())
	require.NoError(t, err)
	assert.Equal(t, token, parsed)
	_, err = ParseToken("not a token")
	assert.Error(t, err)
	assert.Equal(t, ZeroToken, TokenFromString("???"))
}

func TestFingerprint(t *testing.T) {
	token, _ := RandomAsymetricKey()
	other, _ := RandomAsymetricKey()
	assert.Len(t, token.Fingerprint(), 16)
	assert.Equal(t, token.Fingerprint(), token.Fingerprint())
	assert.NotEqual(t, token.Fingerprint(), other.Fingerprint())
	assert.Equal(t, Hasher(token[:]), Hasher(token[:]))
}
