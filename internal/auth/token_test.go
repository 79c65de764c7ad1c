// internal/auth/token_test.go
package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	Init()

	userID := uuid.New()
	token, err := CreateToken(userID, "paddle-pro", "p@example.com")
	require.NoError(t, err)

	id, err := Verify(token)
	require.NoError(t, err)
	assert.Equal(t, userID, id.UserID)
	assert.Equal(t, "paddle-pro", id.DisplayName)
	assert.Equal(t, "p@example.com", id.Email)
}

func TestVerifyMissingToken(t *testing.T) {
	Init()

	_, err := Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestVerifyGarbageToken(t *testing.T) {
	Init()

	_, err := Verify("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyExpiredToken(t *testing.T) {
	Init()

	claims := jwt.MapClaims{
		"sub": uuid.New().String(),
		"exp": time.Now().Add(-time.Minute).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(privateKey)
	require.NoError(t, err)

	_, err = Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyWrongKey(t *testing.T) {
	Init()
	userID := uuid.New()
	token, err := CreateToken(userID, "", "")
	require.NoError(t, err)

	// Rotating the key pair invalidates previously issued tokens.
	Init()
	_, err = Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyMissingSub(t *testing.T) {
	Init()

	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{}).SignedString(privateKey)
	require.NoError(t, err)

	_, err = Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
