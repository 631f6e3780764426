package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, priv ed25519.PrivateKey, expiresAt time.Time) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "svc-test",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	require.NoError(t, err)
	return signed
}

func TestVerifyAcceptsSignedToken(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	v := NewVerifierFromKey(pub)
	claims, err := v.Verify(signToken(t, priv, time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "svc-test", claims.Subject)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	v := NewVerifierFromKey(pub)
	_, err = v.Verify(signToken(t, otherPriv, time.Now().Add(time.Hour)))
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	v := NewVerifierFromKey(pub)
	_, err = v.Verify(signToken(t, priv, time.Now().Add(-time.Minute)))
	assert.Error(t, err)
}

func TestNewVerifierEmptyPathDisablesAuth(t *testing.T) {
	v, err := NewVerifier("")
	require.NoError(t, err)
	assert.Nil(t, v)
}
