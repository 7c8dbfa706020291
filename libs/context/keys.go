package context

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// CTXKey - a type for context keys
type CTXKey string

const (
	// EnvironmentCTXKey - the key used for the deployment environment
	EnvironmentCTXKey CTXKey = "environment"
	// LogLevelCTXKey - context key for application logging level
	LogLevelCTXKey CTXKey = "log_level"
	// LogWriterCTXKey - context key for overriding the log writer
	LogWriterCTXKey CTXKey = "log_writer"
	// DebugLoggingCTXKey - context key for debug logging
	DebugLoggingCTXKey CTXKey = "debug_logging"
	// VersionCTXKey - context key for version of code
	VersionCTXKey CTXKey = "version"
	// CommitCTXKey - context key for the commit of the code
	CommitCTXKey CTXKey = "commit"
	// BuildTimeCTXKey - context key for the build time of code
	BuildTimeCTXKey CTXKey = "build_time"

	// CorrelationIDCTXKey - the correlation id carried through every public call
	CorrelationIDCTXKey CTXKey = "correlation_id"
	// TenantIDCTXKey - the tenant scope of the current request
	TenantIDCTXKey CTXKey = "tenant_id"
	// BrandIDCTXKey - the brand scope of the current request
	BrandIDCTXKey CTXKey = "brand_id"
	// UserIDCTXKey - the authenticated user of the current request
	UserIDCTXKey CTXKey = "user_id"
	// PermissionsCTXKey - the effective permissions of the current request
	PermissionsCTXKey CTXKey = "permissions"
	// SagaIDCTXKey - the saga idempotency key for the current execution
	SagaIDCTXKey CTXKey = "saga_id"

	// MongoURICTXKey - context key for the bootstrap mongo connection uri
	MongoURICTXKey CTXKey = "mongo_uri"
	// PostgresURICTXKey - context key for the audit store connection uri
	PostgresURICTXKey CTXKey = "postgres_uri"
	// RedisURLCTXKey - context key for the redis url
	RedisURLCTXKey CTXKey = "redis_url"
	// ListenAddressCTXKey - context key for the server listen address
	ListenAddressCTXKey CTXKey = "listen_address"
	// JWTSigningSecretCTXKey - context key for the jwt signing secret
	JWTSigningSecretCTXKey CTXKey = "jwt_signing_secret"
	// RateProviderURLCTXKey - context key for the exchange rate provider url
	RateProviderURLCTXKey CTXKey = "rate_provider_url"
)

var (
	// ErrNotInContext - error stating the value is not in the context
	ErrNotInContext = errors.New("value not in context")
	// ErrValueWrongType - error stating the value in the context is the wrong type
	ErrValueWrongType = errors.New("context value of wrong type")
)

// GetStringFromContext - given a CTXKey return the string value from the context if it exists
func GetStringFromContext(ctx context.Context, key CTXKey) (string, error) {
	v := ctx.Value(key)
	if v == nil {
		return "", ErrNotInContext
	}
	s, ok := v.(string)
	if !ok {
		return "", ErrValueWrongType
	}
	return s, nil
}

// GetBoolFromContext - given a CTXKey return the bool value from the context if it exists
func GetBoolFromContext(ctx context.Context, key CTXKey) (bool, error) {
	v := ctx.Value(key)
	if v == nil {
		return false, ErrNotInContext
	}
	b, ok := v.(bool)
	if !ok {
		return false, ErrValueWrongType
	}
	return b, nil
}

// GetLogLevelFromContext - return the log level from the context, defaulting to info
func GetLogLevelFromContext(ctx context.Context, key CTXKey) (zerolog.Level, error) {
	v := ctx.Value(key)
	if v == nil {
		return zerolog.InfoLevel, ErrNotInContext
	}
	l, ok := v.(zerolog.Level)
	if !ok {
		return zerolog.InfoLevel, ErrValueWrongType
	}
	return l, nil
}

// GetLogger - return the logger stored on the context
func GetLogger(ctx context.Context) (*zerolog.Logger, error) {
	logger := zerolog.Ctx(ctx)
	if logger == nil || logger.GetLevel() == zerolog.Disabled {
		return nil, ErrNotInContext
	}
	return logger, nil
}

// GetCorrelationID - return the correlation id for this request, empty if unset
func GetCorrelationID(ctx context.Context) string {
	s, _ := GetStringFromContext(ctx, CorrelationIDCTXKey)
	return s
}

// GetTenantID - return the tenant scope for this request, empty if unset
func GetTenantID(ctx context.Context) string {
	s, _ := GetStringFromContext(ctx, TenantIDCTXKey)
	return s
}

// GetUserID - return the authenticated user for this request, empty if unset
func GetUserID(ctx context.Context) string {
	s, _ := GetStringFromContext(ctx, UserIDCTXKey)
	return s
}

// GetPermissions - return the effective permissions for this request
func GetPermissions(ctx context.Context) []string {
	v := ctx.Value(PermissionsCTXKey)
	if perms, ok := v.([]string); ok {
		return perms
	}
	return nil
}

// GetSagaID - return the saga id for this execution, empty if unset
func GetSagaID(ctx context.Context) string {
	s, _ := GetStringFromContext(ctx, SagaIDCTXKey)
	return s
}

// HasPermission - check the request context for a caller privilege
func HasPermission(ctx context.Context, perm string) bool {
	for _, p := range GetPermissions(ctx) {
		if p == perm {
			return true
		}
	}
	return false
}
