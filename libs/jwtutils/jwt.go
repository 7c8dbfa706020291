// Package jwtutils issues and validates the platform's bearer tokens.
// Claims carry the user, tenant scope, roles and effective permissions so
// the gateway does not need a user lookup on every request.
package jwtutils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	errorutils "github.com/quillpay/platform/libs/errorutils"
)

const (
	// TokenTypeAccess - short lived access token
	TokenTypeAccess = "access"
	// TokenTypeRefresh - long lived refresh token
	TokenTypeRefresh = "refresh"

	// DefaultAccessTokenTTL - default lifetime for access tokens
	DefaultAccessTokenTTL = time.Hour
	// DefaultRefreshTokenTTL - default lifetime for refresh tokens
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// Claims are the platform JWT claims
type Claims struct {
	TenantID    string   `json:"tid"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"type"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 signed tokens
type Signer struct {
	secret          []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

// NewSigner creates a signer with the given secret, using default lifetimes
// when zero values are passed.
func NewSigner(secret []byte, accessTTL, refreshTTL time.Duration) *Signer {
	if accessTTL == 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	if refreshTTL == 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}
	return &Signer{secret: secret, accessTokenTTL: accessTTL, refreshTokenTTL: refreshTTL}
}

// Issue creates a signed token of the given type for the user
func (s *Signer) Issue(userID, tenantID, tokenType string, roles, permissions []string) (string, error) {
	ttl := s.accessTokenTTL
	if tokenType == TokenTypeRefresh {
		ttl = s.refreshTokenTTL
	}
	now := time.Now().UTC()
	claims := Claims{
		TenantID:    tenantID,
		Roles:       roles,
		Permissions: permissions,
		TokenType:   tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses and validates a signed token, returning its claims
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, errorutils.NewKind(errorutils.KindUnauthorized, err, "invalid token", nil)
	}
	if !token.Valid {
		return nil, errorutils.NewKind(errorutils.KindUnauthorized, nil, "invalid token", nil)
	}
	return claims, nil
}

// VerifyAccess validates a token and requires it to be an access token
func (s *Signer) VerifyAccess(tokenString string) (*Claims, error) {
	claims, err := s.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, errorutils.NewKind(errorutils.KindUnauthorized, nil, "token is not an access token", nil)
	}
	return claims, nil
}
