// Package requesttime pins one "now" per HTTP request so every entity touched
// by the request stamps the same timestamp.
package requesttime

import (
	"net/http"
	"time"

	"tillhouse/pkg/requestcontext"
)

// Middleware captures the wall clock once, in UTC, at the start of the request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now().UTC())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
