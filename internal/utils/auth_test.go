package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashing(t *testing.T) {
	password := "secret123"

	hash, err := HashPassword(password)
	require.NoError(t, err)
	assert.NotEqual(t, password, hash)
	assert.NotEmpty(t, hash)

	assert.True(t, CheckPasswordHash(password, hash))
	assert.False(t, CheckPasswordHash("wrongpassword", hash))
}

func TestAdminToken(t *testing.T) {
	secret := "test-secret-key-12345"

	token, expiresAt, err := GenerateAdminToken("admin", secret, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := ValidateToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims["sub"])
	assert.Equal(t, AdminRole, claims["role"])

	_, err = ValidateToken(token, "wrong-key")
	assert.Error(t, err, "validation must fail with the wrong key")
}

func TestAdminToken_NoSecret(t *testing.T) {
	_, _, err := GenerateAdminToken("admin", "", time.Hour)
	assert.Error(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	secret := "test-secret-key-12345"
	claims := jwt.MapClaims{"sub": "admin", "exp": time.Now().Add(-time.Minute).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)

	_, err = ValidateToken(token, secret)
	assert.Error(t, err)
}
