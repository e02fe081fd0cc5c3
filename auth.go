package main

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var errMissingToken = errors.New("auth: missing token")

// authClaims is the claim set carried by gateway bearer tokens.
type authClaims struct {
	Subscribed bool `json:"subscribed,omitempty"`
	jwt.RegisteredClaims
}

// verifyToken validates an HMAC-SHA256 bearer token and returns the
// authorization snapshot for the session: the subscribed flag and the token
// expiry. Tokens must be signed with the shared secret, name the expected
// issuer, and carry an exp claim.
func verifyToken(secret, token string) (subscribed bool, expiry time.Time, err error) {
	if token == "" {
		return false, time.Time{}, errMissingToken
	}

	claims := &authClaims{}
	_, err = jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return false, time.Time{}, err
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false, time.Time{}, errors.New("auth: token missing expiry")
	}
	return claims.Subscribed, exp.Time, nil
}

// mintToken issues a bearer token for the given lifetime. Used by the token
// subcommand and by tests.
func mintToken(secret string, ttl time.Duration, subscribed bool) (string, error) {
	now := time.Now()
	claims := authClaims{
		Subscribed: subscribed,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
