package adaptive

import (
	"crypto/subtle"
	"strings"

	"github.com/google/uuid"
)

// SecretLength is the length of every secret token.
const SecretLength = 32

// NewSecret returns a random token of 32 lowercase hex characters.
func NewSecret() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SecretMatches compares a stored secret with one taken from a callback URL.
func SecretMatches(stored, given string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}
