package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	dErrors "tillhouse/pkg/domain-errors"
	"tillhouse/pkg/platform/httputil"
	"tillhouse/pkg/platform/middleware/metadata"
)

// KeyFunc picks the bucket a request counts against.
type KeyFunc func(r *http.Request) string

// ByClientIP keys requests by the client address recorded by
// metadata.ClientMetadata.
func ByClientIP(r *http.Request) string {
	return metadata.GetClientIP(r.Context())
}

// Middleware rejects requests over the limit with 429. A failing store lets
// requests through so an outage of the limiter never locks tills out.
func Middleware(l *Limiter, key KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			res, err := l.Allow(ctx, key(r))
			if err != nil {
				logger.ErrorContext(ctx, "failed to check rate limit", "limiter", l.Name(), "error", err)
				next.ServeHTTP(w, r)
				return
			}

			addHeaders(w, res)
			if !res.Allowed {
				retryAfter := max(int(time.Until(res.ResetAt).Seconds())+1, 1)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				logger.WarnContext(ctx, "rate limit exceeded", "limiter", l.Name())
				httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "too many requests, retry later"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func addHeaders(w http.ResponseWriter, res Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}
