package sso

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCE(t *testing.T) {
	pkce, err := GeneratePKCE()
	require.NoError(t, err)

	assert.NotEmpty(t, pkce.Verifier)
	assert.NotEmpty(t, pkce.Challenge)
	assert.NotEqual(t, pkce.Verifier, pkce.Challenge)

	// Challenge must be base64url(sha256(verifier))
	sum := sha256.Sum256([]byte(pkce.Verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), pkce.Challenge)

	// 32 bytes of entropy encode to 43 unpadded characters
	assert.Len(t, pkce.Verifier, 43)
}

func TestGeneratePKCEUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		pkce, err := GeneratePKCE()
		require.NoError(t, err)
		assert.False(t, seen[pkce.Verifier], "verifier collision")
		seen[pkce.Verifier] = true
	}
}

func TestGenerateNonce(t *testing.T) {
	nonce, err := GenerateNonce()
	require.NoError(t, err)

	// 32 random bytes as hex
	assert.Len(t, nonce, 64)
	_, err = hex.DecodeString(nonce)
	assert.NoError(t, err)

	other, err := GenerateNonce()
	require.NoError(t, err)
	assert.NotEqual(t, nonce, other)
}

func TestGenerateRequestID(t *testing.T) {
	id, err := GenerateRequestID()
	require.NoError(t, err)

	assert.True(t, len(id) > 1)
	assert.Equal(t, byte('_'), id[0], "SAML request IDs must not start with a digit")
}
