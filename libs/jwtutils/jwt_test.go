package jwtutils

import (
	"testing"
	"time"

	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	s := NewSigner([]byte("test-secret"), 0, 0)

	token, err := s.Issue("user-1", "tenant-1", TokenTypeAccess,
		[]string{"player"}, []string{"wallet:read:own"})
	require.NoError(t, err)

	claims, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, []string{"player"}, claims.Roles)
	assert.Equal(t, []string{"wallet:read:own"}, claims.Permissions)
	assert.Equal(t, TokenTypeAccess, claims.TokenType)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewSigner([]byte("secret-a"), 0, 0).Issue("user-1", "tenant-1", TokenTypeAccess, nil, nil)
	require.NoError(t, err)

	_, err = NewSigner([]byte("secret-b"), 0, 0).Verify(token)
	assert.Equal(t, errorutils.KindUnauthorized, errorutils.KindOf(err))
}

func TestVerifyRejectsExpired(t *testing.T) {
	s := NewSigner([]byte("test-secret"), -time.Minute, 0)

	token, err := s.Issue("user-1", "tenant-1", TokenTypeAccess, nil, nil)
	require.NoError(t, err)

	_, err = s.Verify(token)
	assert.Equal(t, errorutils.KindUnauthorized, errorutils.KindOf(err))
}

func TestVerifyAccessRejectsRefreshToken(t *testing.T) {
	s := NewSigner([]byte("test-secret"), 0, 0)

	refresh, err := s.Issue("user-1", "tenant-1", TokenTypeRefresh, nil, nil)
	require.NoError(t, err)

	// a refresh token verifies but is not usable as an access token
	claims, err := s.Verify(refresh)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeRefresh, claims.TokenType)

	_, err = s.VerifyAccess(refresh)
	assert.Equal(t, errorutils.KindUnauthorized, errorutils.KindOf(err))
}

func TestVerifyRejectsGarbage(t *testing.T) {
	s := NewSigner([]byte("test-secret"), 0, 0)
	_, err := s.Verify("not.a.token")
	assert.Equal(t, errorutils.KindUnauthorized, errorutils.KindOf(err))
}
