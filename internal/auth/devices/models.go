// Package devices implements the device authorization flow: a till asks for
// a short user code, a signed-in user enters it, and the till polls until the
// device is authorized.
package devices

import (
	"time"

	"tillhouse/pkg/domain"
)

const (
	Kind      = "device"
	IndexKind = "device-code-index"

	EventInitiated  = "device.initiated"
	EventAuthorized = "device.authorized"
	EventRevoked    = "device.revoked"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusRevoked    Status = "revoked"
	// StatusExpired is only reported by Poll; it is never stored.
	StatusExpired Status = "expired"
)

func Key(orgID, deviceID string) domain.Key {
	return domain.OrgKey(Kind, orgID, deviceID)
}

func IndexKey(orgID string) domain.Key {
	return domain.OrgKey(IndexKind, orgID)
}

type Device struct {
	ID           string     `json:"id"`
	OrgID        string     `json:"org_id"`
	UserCode     string     `json:"user_code"`
	Status       Status     `json:"status"`
	UserAgent    string     `json:"user_agent,omitempty"`
	DisplayName  string     `json:"display_name"`
	UserID       string     `json:"user_id,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`
	AuthorizedAt *time.Time `json:"authorized_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

type Snapshot struct {
	Device
	Version uint64 `json:"version"`
}

// Summary is the cached device data in the user-code index.
type Summary struct {
	DeviceID    string    `json:"device_id"`
	DisplayName string    `json:"display_name"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type InitiateCommand struct {
	UserAgent string `json:"user_agent"`
}

type InitiateResult struct {
	DeviceID    string    `json:"device_id"`
	UserCode    string    `json:"user_code"`
	DisplayName string    `json:"display_name"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// PollResult is what a waiting device sees. A device that was never
// initiated and one whose code lapsed both report expired.
type PollResult struct {
	Status Status `json:"status"`
	UserID string `json:"user_id,omitempty"`
}
