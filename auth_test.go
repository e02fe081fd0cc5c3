package main

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// TestVerifyTokenRoundTrip verifies minting and verifying against the same
// secret.
func TestVerifyTokenRoundTrip(t *testing.T) {
	token, err := mintToken("secret", time.Minute, false)
	require.NoError(t, err)

	subscribed, expiry, err := verifyToken("secret", token)
	require.NoError(t, err)
	require.False(t, subscribed)
	require.WithinDuration(t, time.Now().Add(time.Minute), expiry, 5*time.Second)
}

// TestVerifyTokenSubscribed verifies the subscribed claim survives.
func TestVerifyTokenSubscribed(t *testing.T) {
	token, err := mintToken("secret", time.Minute, true)
	require.NoError(t, err)

	subscribed, _, err := verifyToken("secret", token)
	require.NoError(t, err)
	require.True(t, subscribed)
}

// TestVerifyTokenWrongSecret verifies signature validation.
func TestVerifyTokenWrongSecret(t *testing.T) {
	token, err := mintToken("secret", time.Minute, false)
	require.NoError(t, err)

	_, _, err = verifyToken("other", token)
	require.Error(t, err)
}

// TestVerifyTokenExpired verifies that an already-expired token is rejected
// outright.
func TestVerifyTokenExpired(t *testing.T) {
	token, err := mintToken("secret", -time.Minute, false)
	require.NoError(t, err)

	_, _, err = verifyToken("secret", token)
	require.Error(t, err)
}

// TestVerifyTokenMissing verifies the empty-token error.
func TestVerifyTokenMissing(t *testing.T) {
	_, _, err := verifyToken("secret", "")
	require.ErrorIs(t, err, errMissingToken)
}

// TestVerifyTokenWrongIssuer verifies the issuer check.
func TestVerifyTokenWrongIssuer(t *testing.T) {
	claims := authClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, _, err = verifyToken("secret", token)
	require.Error(t, err)
}

// TestVerifyTokenMissingExpiry verifies that exp is mandatory.
func TestVerifyTokenMissingExpiry(t *testing.T) {
	claims := authClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, _, err = verifyToken("secret", token)
	require.Error(t, err)
}

// TestVerifyTokenWrongAlgorithm verifies that only HS256 is accepted.
func TestVerifyTokenWrongAlgorithm(t *testing.T) {
	claims := authClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS384, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, _, err = verifyToken("secret", token)
	require.Error(t, err)
}
