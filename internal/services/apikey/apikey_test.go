package apikey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestParseKeyRoundTrip(t *testing.T) {
	raw := FormatKey("abc123", "s3cr3t-part")

	keyID, secret, err := ParseKey(raw)
	require.NoError(t, err)
	assert.Equal(t, "abc123", keyID)
	assert.Equal(t, "s3cr3t-part", secret)
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":             "",
		"missing prefix":    "abc123.secret",
		"missing separator": "rbx_abc123",
		"empty key id":      "rbx_.secret",
		"empty secret":      "rbx_abc123.",
		"foreign prefix":    "sk-live-abc.secret",
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseKey(raw)
			assert.ErrorIs(t, err, ErrMalformedKey)
		})
	}
}

func TestVerifySecret(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("the-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, verifySecret(string(hash), "the-secret"))
	assert.False(t, verifySecret(string(hash), "wrong"))
	assert.False(t, verifySecret("not-a-hash", "the-secret"))
}

func TestRandomTokenIsURLSafeAndUnique(t *testing.T) {
	seen := map[string]bool{}
	for range 32 {
		tok, err := randomToken(12)
		require.NoError(t, err)
		assert.NotContains(t, tok, "=")
		assert.False(t, seen[tok], "token repeated")
		seen[tok] = true
	}
}
