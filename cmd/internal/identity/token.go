package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// TokenVerifier checks gateway bearer tokens: HS256 JWTs whose subject is
// the user id. Issuance belongs to the external identity provider; this
// side only verifies.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier builds a verifier over a shared HMAC secret.
func NewTokenVerifier(secret []byte) (*TokenVerifier, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token secret too short: %d bytes, want >= 32", len(secret))
	}
	return &TokenVerifier{secret: secret}, nil
}

// Verify validates the token and returns its subject user id. Every
// failure collapses to ErrInvalidToken; callers never learn which check
// rejected the token.
func (v *TokenVerifier) Verify(raw string) (string, error) {
	tok, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !tok.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
