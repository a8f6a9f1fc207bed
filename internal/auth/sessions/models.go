// Package sessions implements sign-in sessions with rotating refresh tokens.
// Current refresh-token hashes are held in a deployment-wide index; each
// session also remembers the hashes it rotated away from, so presenting one
// again revokes the session.
package sessions

import (
	"strings"
	"time"

	"tillhouse/internal/index/recent"
	"tillhouse/pkg/domain"
)

const (
	Kind = "session"

	EventCreated   = "session.created"
	EventRefreshed = "session.refreshed"
	EventRevoked   = "session.revoked"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// Revocation reasons.
const (
	ReasonLogout = "logout"
	ReasonReplay = "refresh_token_replay"
)

// rotatedCapacity bounds how many retired hashes a session remembers.
const rotatedCapacity = 32

func Key(orgID, sessionID string) domain.Key {
	return domain.OrgKey(Kind, orgID, sessionID)
}

// RefreshIndexKey addresses the deployment-wide refresh-token index.
func RefreshIndexKey() domain.Key {
	return domain.GlobalKey("refresh-token-index", "default")
}

type Session struct {
	ID               string      `json:"id"`
	OrgID            string      `json:"org_id"`
	UserID           string      `json:"user_id"`
	DeviceID         string      `json:"device_id,omitempty"`
	Status           Status      `json:"status"`
	RefreshHash      string      `json:"refresh_hash"`
	RefreshExpiresAt time.Time   `json:"refresh_expires_at"`
	Rotated          *recent.Set `json:"rotated,omitempty"`
	Rotations        int         `json:"rotations"`
	CreatedAt        time.Time   `json:"created_at"`
	LastRefreshedAt  *time.Time  `json:"last_refreshed_at,omitempty"`
	RevokedAt        *time.Time  `json:"revoked_at,omitempty"`
	RevokeReason     string      `json:"revoke_reason,omitempty"`
}

type Snapshot struct {
	Session
	Version uint64 `json:"version"`
}

// Summary is the cached data in the refresh-token index.
type Summary struct {
	OrgID     string `json:"org_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type CreateCommand struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
}

func (c *CreateCommand) Normalize() {
	c.UserID = strings.TrimSpace(c.UserID)
	c.DeviceID = strings.TrimSpace(c.DeviceID)
}

// Tokens is returned by Create and Refresh. The refresh token is only ever
// shown here; the session stores its hash.
type Tokens struct {
	Session          Snapshot  `json:"session"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
