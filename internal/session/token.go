// token.go

// Session and CSRF token generation.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// GenerateToken returns a 256-bit random token encoded base64url (cookie value)
// and its SHA-256 hash (storage key).
func GenerateToken() (string, []byte, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", nil, fmt.Errorf("generating token with rand: %w", err)
	}
	hash := sha256.Sum256(raw[:])
	return base64.RawURLEncoding.EncodeToString(raw[:]), hash[:], nil
}

// HashToken decodes a base64url token and returns its SHA-256 hash.
func HashToken(encoded string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	hash := sha256.Sum256(raw)
	return hash[:], nil
}

// GenerateCSRFToken returns a 256-bit random CSRF token, base64url encoded.
// The encoded string is both stored and sent to the client.
func GenerateCSRFToken() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating csrf token with rand: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// CSRFMatches reports whether presented is exactly stored. No trimming, case folding or
// prefix matching. Runs in constant time for equal-length inputs.
func CSRFMatches(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
