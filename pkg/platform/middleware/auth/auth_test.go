package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	dErrors "tillhouse/pkg/domain-errors"
	"tillhouse/pkg/requestcontext"
)

func TestRequireAuth(t *testing.T) {
	authn := AuthenticatorFunc(func(_ context.Context, token string) (Principal, error) {
		switch token {
		case "good":
			return Principal{UserID: "u-1", SessionID: "s-1", OrgID: "org-1"}, nil
		case "broken":
			return Principal{}, errors.New("store down")
		default:
			return Principal{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
		}
	})

	var seen Principal
	var actor string
	h := RequireAuth(authn, nopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetPrincipal(r.Context())
		actor = requestcontext.ActorID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"rejected token", "Bearer nope", http.StatusUnauthorized},
		{"infrastructure failure", "Bearer broken", http.StatusInternalServerError},
		{"valid token", "Bearer good", http.StatusNoContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
	assert.Equal(t, "org-1", seen.OrgID)
	assert.Equal(t, "u-1", actor)
}

func TestRequireOrg(t *testing.T) {
	h := RequireOrg(func(r *http.Request) string { return r.URL.Query().Get("org") })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	serve := func(ctx context.Context, org string) int {
		r := httptest.NewRequest(http.MethodGet, "/?org="+org, nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}

	ctx := WithPrincipal(context.Background(), Principal{UserID: "u-1", OrgID: "org-1"})
	assert.Equal(t, http.StatusNoContent, serve(ctx, "org-1"))
	assert.Equal(t, http.StatusForbidden, serve(ctx, "org-2"))
	assert.Equal(t, http.StatusUnauthorized, serve(context.Background(), "org-1"))
}
