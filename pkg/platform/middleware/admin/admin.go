// Package admin guards operator routes with a shared static token.
package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	dErrors "tillhouse/pkg/domain-errors"
	"tillhouse/pkg/platform/httputil"
	request "tillhouse/pkg/platform/middleware/request"
	"tillhouse/pkg/requestcontext"
)

const HeaderAdminToken = "X-Admin-Token"

// ActorID is recorded as the performing actor for operator commands.
const ActorID = "admin"

// RequireAdminToken compares X-Admin-Token in constant time. An empty
// expected token rejects every request.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := r.Header.Get(HeaderAdminToken)
			if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "admin token required"))
				return
			}
			next.ServeHTTP(w, r.WithContext(requestcontext.WithActorID(ctx, ActorID)))
		})
	}
}
