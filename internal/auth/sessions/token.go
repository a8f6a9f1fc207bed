package sessions

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "tillhouse/pkg/domain-errors"
)

// Claims are the access token claims.
type Claims struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	OrgID     string `json:"org_id"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates HS256 access tokens.
type TokenIssuer struct {
	signingKey []byte
	issuer     string
	now        func() time.Time
}

func NewTokenIssuer(signingKey, issuer string) *TokenIssuer {
	return &TokenIssuer{signingKey: []byte(signingKey), issuer: issuer, now: time.Now}
}

// WithClock replaces the clock used to validate expiry.
func (t *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	t.now = now
	return t
}

func (t *TokenIssuer) Issue(userID, sessionID, orgID string, issuedAt time.Time, ttl time.Duration) (string, time.Time, error) {
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:    userID,
		SessionID: sessionID,
		OrgID:     orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			Issuer:    t.issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(t.signingKey)
	if err != nil {
		return "", time.Time{}, dErrors.Wrap(err, dErrors.CodeInternal, "sign access token")
	}
	return signed, expiresAt, nil
}

func (t *TokenIssuer) Validate(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return t.signingKey, nil
	}, jwt.WithIssuer(t.issuer), jwt.WithTimeFunc(t.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// Refresh tokens are opaque to clients: base64url(org).base64url(session).secret.
// The locator lets a replayed token be traced to its session after its index
// entry has been removed by rotation.
func newRefreshToken(orgID, sessionID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(orgID)) + "." + enc.EncodeToString([]byte(sessionID)) + "." + enc.EncodeToString(buf), nil
}

func parseRefreshToken(token string) (orgID, sessionID string, ok bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[2] == "" {
		return "", "", false
	}
	enc := base64.RawURLEncoding
	org, err := enc.DecodeString(parts[0])
	if err != nil || len(org) == 0 {
		return "", "", false
	}
	sess, err := enc.DecodeString(parts[1])
	if err != nil || len(sess) == 0 {
		return "", "", false
	}
	return string(org), string(sess), true
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
