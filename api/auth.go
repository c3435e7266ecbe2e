package api

import (
	"errors"
	"sync"
	"time"

	"board-stream/config"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

var (
	errInvalidClaims = errors.New("invalid claims")
	errNoIdentity    = errors.New("missing sub")
)

// Auth validates connection tokens and resolves the caller's identity.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte

	parserOnce  sync.Once
	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth builds an Auth. In test mode tokens are HS256 signed with the
// shared secret; otherwise RS256 keys come from jwks.
func NewAuth(jwks *keyfunc.JWKS, cfg config.AuthConfig) *Auth {
	a := &Auth{JWKS: jwks, Audience: cfg.Audience, keyCacheTTL: cfg.JWKSCacheTTL}
	if cfg.Domain != "" {
		a.Issuer = cfg.Issuer()
	}
	if cfg.TestMode {
		a.TestMode = true
		a.TestSecret = []byte(cfg.TestSecret)
	}
	return a
}

func (a *Auth) jwtParser() *jwt.Parser {
	a.parserOnce.Do(func() {
		if a.TestMode {
			a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
		} else {
			a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
		}
	})
	return a.parser
}

// IdentityFromAuthHeader resolves the identity from a bearer Authorization
// header.
func (a *Auth) IdentityFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}
	return a.IdentityFromToken(token)
}

// IdentityFromToken verifies a raw JWT and returns its subject.
func (a *Auth) IdentityFromToken(token string) (string, error) {
	if token == "" {
		return "", errMissingAuthorization
	}
	parsed, err := a.jwtParser().Parse(token, func(t *jwt.Token) (any, error) {
		if a.TestMode {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.TestSecret, nil
		}
		return a.keyForToken(t)
	})
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errInvalidClaims
	}
	if !claims.VerifyExpiresAt(time.Now().Unix(), true) {
		return "", errors.New("token expired")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, true) {
		return "", errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, true) {
		return "", errors.New("invalid issuer")
	}

	// Tokens minted by the board backend carry the user id as "id".
	for _, claim := range []string{"sub", "id"} {
		if v, ok := claims[claim].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", errNoIdentity
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
