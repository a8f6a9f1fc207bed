package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "tillhouse/pkg/domain-errors"
)

// NewID returns a fresh random identifier for entities, events and transitions.
func NewID() string {
	return uuid.NewString()
}

// RequireID trims and validates a caller-supplied identifier.
func RequireID(field, value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", dErrors.Newf(dErrors.CodeValidation, "%s is required", field)
	}
	if len(v) > 128 {
		return "", dErrors.Newf(dErrors.CodeValidation, "%s must be 128 characters or less", field)
	}
	return v, nil
}
