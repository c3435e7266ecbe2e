// Package testtoken mints HS256 tokens accepted by the service in test mode.
package testtoken

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Mint signs a token for identity with secret.
func Mint(secret, identity string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("empty signing secret")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": identity,
		"exp": time.Now().Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}

// FromEnv signs a one hour token with TEST_JWT_SECRET.
func FromEnv(identity string) (string, error) {
	secret := os.Getenv("TEST_JWT_SECRET")
	if secret == "" {
		return "", errors.New("TEST_JWT_SECRET must be set")
	}
	return Mint(secret, identity, time.Hour)
}
