// Package users implements staff users who sign in at a till with a PIN.
package users

import (
	"strings"
	"time"

	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
)

const (
	Kind      = "user"
	IndexKind = "user-lookup"

	EventCreated     = "user.created"
	EventPINSet      = "user.pin_set"
	EventDeactivated = "user.deactivated"
)

func Key(orgID, userID string) domain.Key {
	return domain.OrgKey(Kind, orgID, userID)
}

// IndexKey addresses the organization's PIN lookup index.
func IndexKey(orgID string) domain.Key {
	return domain.OrgKey(IndexKind, orgID)
}

type User struct {
	ID            string     `json:"id"`
	OrgID         string     `json:"org_id"`
	DisplayName   string     `json:"display_name"`
	Active        bool       `json:"active"`
	PINHash       string     `json:"pin_hash,omitempty"`
	PINSetAt      *time.Time `json:"pin_set_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

type Snapshot struct {
	User
	Version uint64 `json:"version"`
}

// Summary is the cached user data held by the PIN index.
type Summary struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type CreateCommand struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

func (c *CreateCommand) Normalize() {
	c.UserID = strings.TrimSpace(c.UserID)
	c.DisplayName = strings.TrimSpace(c.DisplayName)
}

func (c CreateCommand) Validate() error {
	if _, err := domain.RequireID("user_id", c.UserID); err != nil {
		return err
	}
	if c.DisplayName == "" {
		return dErrors.New(dErrors.CodeValidation, "display name is required")
	}
	if len(c.DisplayName) > 100 {
		return dErrors.New(dErrors.CodeValidation, "display name must be 100 characters or less")
	}
	return nil
}

// Login failure reasons reported in LoginResult.Error.
const (
	LoginInvalidPIN   = "invalid_pin"
	LoginUserInactive = "user_inactive"
)

// LoginResult is returned for every well-formed login attempt. A wrong PIN is
// an expected outcome, not an error.
type LoginResult struct {
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
	User    *Snapshot `json:"user,omitempty"`
}
