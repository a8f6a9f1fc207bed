// Package auth protects routes with bearer access tokens issued by the
// session service.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	dErrors "tillhouse/pkg/domain-errors"
	"tillhouse/pkg/platform/httputil"
	request "tillhouse/pkg/platform/middleware/request"
	"tillhouse/pkg/requestcontext"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID    string
	SessionID string
	OrgID     string
}

// Authenticator validates an access token. Implementations must reject
// tokens whose session has been revoked.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (Principal, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, accessToken string) (Principal, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	return f(ctx, accessToken)
}

type contextKeyPrincipal struct{}

// GetPrincipal returns the caller set by RequireAuth.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKeyPrincipal{}).(Principal)
	return p, ok
}

// WithPrincipal injects a caller, and its user id as the acting id.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, contextKeyPrincipal{}, p)
	return requestcontext.WithActorID(ctx, p.UserID)
}

// RequireAuth rejects requests without a valid "Bearer" access token.
func RequireAuth(authn Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}

			p, err := authn.Authenticate(ctx, strings.TrimSpace(token))
			if err != nil {
				if !dErrors.HasCode(err, dErrors.CodeUnauthorized) {
					logger.ErrorContext(ctx, "failed to authenticate token",
						"error", err,
						"request_id", request.GetRequestID(ctx),
					)
					httputil.WriteError(w, err)
					return
				}
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, p)))
		})
	}
}

// RequireOrg rejects callers whose token belongs to a different organization
// than the one addressed by the request path.
func RequireOrg(orgOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := GetPrincipal(r.Context())
			if !ok {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
				return
			}
			if p.OrgID != orgOf(r) {
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "token is not valid for this organization"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
