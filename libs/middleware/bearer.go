package middleware

import (
	"context"
	"net/http"
	"strings"

	appctx "github.com/quillpay/platform/libs/context"
	"github.com/quillpay/platform/libs/handlers"
	"github.com/quillpay/platform/libs/jwtutils"
)

type bearerTokenKey struct{}

// BearerToken is a middleware that adds the bearer token included in a request's headers to context
func BearerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string

		bearer := r.Header.Get("Authorization")

		if len(bearer) > 7 && strings.ToUpper(bearer[0:6]) == "BEARER" {
			token = bearer[7:]
		}
		ctx := context.WithValue(r.Context(), bearerTokenKey{}, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetBearerToken retrieves the raw bearer token from the context
func GetBearerToken(ctx context.Context) string {
	if token, ok := ctx.Value(bearerTokenKey{}).(string); ok {
		return token
	}
	return ""
}

// AuthenticatedToken verifies the bearer token with the signer and loads
// the user, tenant and permission claims into the request context.
// Requests without a valid access token are rejected.
func AuthenticatedToken(signer *jwtutils.Signer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := GetBearerToken(r.Context())
			if token == "" {
				(&handlers.AppError{
					Message:   "missing authorization",
					ErrorCode: "Unauthorized",
					Code:      http.StatusUnauthorized,
				}).ServeHTTP(w, r)
				return
			}

			claims, err := signer.VerifyAccess(token)
			if err != nil {
				(&handlers.AppError{
					Cause:     err,
					Message:   "invalid authorization",
					ErrorCode: "Unauthorized",
					Code:      http.StatusUnauthorized,
				}).ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), appctx.UserIDCTXKey, claims.Subject)
			ctx = context.WithValue(ctx, appctx.TenantIDCTXKey, claims.TenantID)
			ctx = context.WithValue(ctx, appctx.PermissionsCTXKey, claims.Permissions)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
