// policy.go -- email, username and password input rules.
package credential

import (
	"fmt"
	netmail "net/mail"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MinPasswordLen = 8
	// MaxPasswordBytes bounds Argon2id input; longer bodies are a cheap DoS.
	MaxPasswordBytes = 128
)

// NormalizeEmail trims and lowercases an address for lookups and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks format and length; returns an error message or "".
// RFC 5321: min ~5 chars (a@b.c), max 254.
func ValidateEmail(email string) string {
	switch {
	case email == "":
		return "email required"
	case len(email) < 5:
		return "email too short"
	case len(email) > 254:
		return "email too long"
	}
	addr, err := netmail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "invalid email format"
	}
	return ""
}

// ValidatePassword checks length and rejects control characters; returns an error message or "".
func ValidatePassword(password string) string {
	switch {
	case password == "":
		return "password required"
	case utf8.RuneCountInString(password) < MinPasswordLen:
		return fmt.Sprintf("password must be at least %d characters", MinPasswordLen)
	case len(password) > MaxPasswordBytes:
		return fmt.Sprintf("password must be at most %d bytes", MaxPasswordBytes)
	}
	for _, r := range password {
		if unicode.IsControl(r) {
			return "password contains invalid characters"
		}
	}
	return ""
}

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{2,29}$`)

// ValidateUsername enforces 3-30 chars of [a-z0-9_.-], starting with a letter or digit.
func ValidateUsername(username string) string {
	if username == "" {
		return "username required"
	}
	if !usernamePattern.MatchString(username) {
		return "username must be 3-30 lowercase letters, digits, '.', '_' or '-'"
	}
	return ""
}
