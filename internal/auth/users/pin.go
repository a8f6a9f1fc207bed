package users

import (
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/argon2"

	dErrors "tillhouse/pkg/domain-errors"
)

const (
	minPINLength = 4
	maxPINLength = 8
)

// PINHasher derives the index key for a PIN. The derivation is deterministic
// per organization so a login can look the PIN up without knowing the user.
type PINHasher struct {
	pepper []byte
}

func NewPINHasher(pepper string) *PINHasher {
	return &PINHasher{pepper: []byte(pepper)}
}

// Hash returns the hex-encoded argon2id key for pin within orgID.
func (h *PINHasher) Hash(orgID, pin string) string {
	salt := make([]byte, 0, len(h.pepper)+1+len(orgID))
	salt = append(salt, h.pepper...)
	salt = append(salt, 0)
	salt = append(salt, orgID...)
	return hex.EncodeToString(argon2.IDKey([]byte(pin), salt, 1, 64*1024, 2, 32))
}

// sameHash compares two PIN hashes in constant time. An empty hash never
// matches.
func sameHash(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func validatePIN(pin string) error {
	if len(pin) < minPINLength || len(pin) > maxPINLength {
		return dErrors.Newf(dErrors.CodeValidation, "pin must be %d to %d digits", minPINLength, maxPINLength)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return dErrors.New(dErrors.CodeValidation, "pin must contain digits only")
		}
	}
	return nil
}
