// username.go -- Username generation for accounts created without one.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// maxBaseLen leaves room for "_" + 6 hex chars inside the 30-char username limit.
const maxBaseLen = 23

// sanitizeUsernameBase reduces an email local-part to [a-z0-9_.-], starting alphanumeric.
// Falls back to "user" when nothing usable remains.
func sanitizeUsernameBase(email string) string {
	local, _, _ := strings.Cut(strings.ToLower(email), "@")
	local, _, _ = strings.Cut(local, "+")

	var b strings.Builder
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '.' || r == '-':
			if b.Len() > 0 {
				b.WriteRune(r)
			}
		}
	}
	base := strings.TrimRight(b.String(), "_.-")
	if len(base) > maxBaseLen {
		base = strings.TrimRight(base[:maxBaseLen], "_.-")
	}
	if base == "" {
		return "user"
	}
	return base
}

// generateUsername returns base + "_" + a random 6-hex-char disambiguator.
func generateUsername(base string) (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating username suffix with rand: %w", err)
	}
	return base + "_" + hex.EncodeToString(b[:]), nil
}
