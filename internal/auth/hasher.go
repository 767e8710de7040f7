package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashToken computes the SHA-256 hex digest used as the storage key for
// virtual keys. Raw tokens never reach the store or the cache.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// constantTimeEqual compares two strings without leaking length-prefix
// timing. Used for the master key only; virtual keys compare by hash.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskToken abbreviates a credential for logs and error payloads: the first
// eight characters followed by an ellipsis marker. Short tokens are fully
// masked.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:8] + "..."
}
