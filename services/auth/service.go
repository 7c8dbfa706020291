package auth

import (
	"context"

	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/jwtutils"
	"github.com/quillpay/platform/libs/redisutils"
	"github.com/quillpay/platform/services/pendingops"
	"github.com/quillpay/platform/services/registry"
	"golang.org/x/crypto/bcrypt"
)

// Service implements authentication: login, OTP, TOTP and permission
// resolution.
type Service struct {
	Registry *registry.Service
	Pending  pendingops.Store
	Redis    *redisutils.Client
	Signer   *jwtutils.Signer

	// SendCode delivers OTP codes; nil falls back to logging only
	SendCode CodeSender
	// Issuer names the platform in otpauth enrollment URLs
	Issuer string
}

// NewService creates the auth service
func NewService(reg *registry.Service, pending pendingops.Store, redis *redisutils.Client, signer *jwtutils.Signer, issuer string) *Service {
	return &Service{Registry: reg, Pending: pending, Redis: redis, Signer: signer, Issuer: issuer}
}

// TokenPair is an issued access and refresh token
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Login authenticates with email and password within a tenant. When the
// user has two factor enabled a valid TOTP or backup code is required.
func (s *Service) Login(ctx context.Context, tenantID, email, password, twoFactorCode string) (*TokenPair, *registry.User, error) {
	user, err := s.Registry.GetUserByEmail(ctx, tenantID, registry.NormalizeEmail(email))
	if errorutils.IsNotFound(err) {
		return nil, nil, errorutils.NewKind(errorutils.KindUnauthorized, nil, "invalid credentials", nil)
	}
	if err != nil {
		return nil, nil, err
	}
	if user.Status != registry.UserStatusActive {
		return nil, nil, errorutils.NewKind(errorutils.KindForbidden, nil, "account is not active", nil)
	}
	if user.PasswordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, nil, errorutils.NewKind(errorutils.KindUnauthorized, nil, "invalid credentials", nil)
	}

	if user.TwoFactorEnabled {
		if twoFactorCode == "" {
			return nil, nil, errorutils.Precondition("two factor code required", map[string]interface{}{
				"twoFactorRequired": true,
			})
		}
		if err := s.VerifyTwoFactor(ctx, user.ID, twoFactorCode); err != nil {
			return nil, nil, errorutils.NewKind(errorutils.KindUnauthorized, err, "invalid two factor code", nil)
		}
	}

	pair, err := s.issueTokens(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// Refresh exchanges a refresh token for a fresh pair, re-resolving roles
// and permissions so revocations take effect.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.Signer.Verify(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != jwtutils.TokenTypeRefresh {
		return nil, errorutils.NewKind(errorutils.KindUnauthorized, nil, "token is not a refresh token", nil)
	}

	user, err := s.Registry.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, errorutils.NewKind(errorutils.KindUnauthorized, err, "invalid token", nil)
	}
	if user.Status != registry.UserStatusActive {
		return nil, errorutils.NewKind(errorutils.KindForbidden, nil, "account is not active", nil)
	}
	return s.issueTokens(ctx, user)
}

// issueTokens resolves the tenant scoped claims and signs both tokens
func (s *Service) issueTokens(ctx context.Context, user *registry.User) (*TokenPair, error) {
	scope := RequestScope{Tenant: user.TenantID}
	perms, err := s.ResolvePermissions(ctx, user, scope)
	if err != nil {
		return nil, err
	}
	roles := s.ResolveRoles(user, scope)

	access, err := s.Signer.Issue(user.ID, user.TenantID, jwtutils.TokenTypeAccess, roles, perms)
	if err != nil {
		return nil, errorutils.Wrap(err, "failed to sign access token")
	}
	refresh, err := s.Signer.Issue(user.ID, user.TenantID, jwtutils.TokenTypeRefresh, nil, nil)
	if err != nil {
		return nil, errorutils.Wrap(err, "failed to sign refresh token")
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// HashPassword produces a bcrypt hash for storage
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errorutils.Wrap(err, "failed to hash password")
	}
	return string(hash), nil
}
