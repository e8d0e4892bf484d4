// Package auth resolves connection credentials into chat identities.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when credentials are missing, malformed,
// expired or signed with the wrong key. The handshake must be rejected
// before any session is created.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is who a session belongs to. Immutable for the life of a
// session apart from position, which lives on the session itself.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

// Claims is the JWT payload carried by connection credentials.
type Claims struct {
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
	jwt.RegisteredClaims
}

// Provider issues and verifies identity tokens.
type Provider struct {
	secret []byte
	expiry time.Duration
}

// NewProvider creates a token provider with an HS256 signing secret.
func NewProvider(secret string, expiry time.Duration) *Provider {
	return &Provider{secret: []byte(secret), expiry: expiry}
}

// Issue mints a signed token for an identity.
func (p *Provider) Issue(identity Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		DisplayName: identity.DisplayName,
		AvatarRef:   identity.AvatarRef,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secret)
}

// Resolve verifies credentials and returns the identity they carry.
// Any failure maps to ErrUnauthenticated.
func (p *Provider) Resolve(credentials string) (Identity, error) {
	if credentials == "" {
		return Identity{}, ErrUnauthenticated
	}

	token, err := jwt.ParseWithClaims(credentials, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthenticated
		}
		return p.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrUnauthenticated
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return Identity{}, ErrUnauthenticated
	}

	return Identity{
		ID:          claims.Subject,
		DisplayName: claims.DisplayName,
		AvatarRef:   claims.AvatarRef,
	}, nil
}
