package githubapp

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppAuth_AppJWTClaims(t *testing.T) {
	keyPEM, key := testPrivateKeyPEM(t)
	auth, err := NewAppAuth(1234, keyPEM, "")
	require.NoError(t, err)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	signed, err := auth.AppJWT(now)
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(signed, &claims, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	assert.Equal(t, "1234", claims.Issuer)
	assert.Equal(t, now.Add(-time.Minute), claims.IssuedAt.Time)
	assert.Equal(t, now.Add(10*time.Minute), claims.ExpiresAt.Time)
}

func TestNewAppAuth_RejectsMissingKey(t *testing.T) {
	_, err := NewAppAuth(1, "", "")
	assert.ErrorContains(t, err, "not configured")

	_, err = NewAppAuth(1, "not a pem", "")
	assert.Error(t, err)
}
