package credential

import (
	"strings"
	"testing"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"a@x.com", ""},
		{"", "email required"},
		{"a@b", "email too short"},
		{strings.Repeat("a", 250) + "@x.com", "email too long"},
		{"not-an-email", "invalid email format"},
		{"Alice <alice@x.com>", "invalid email format"},
	}
	for _, tt := range tests {
		if got := ValidateEmail(tt.email); got != tt.want {
			t.Errorf("ValidateEmail(%q) = %q, want %q", tt.email, got, tt.want)
		}
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Alice@Example.COM "); got != "alice@example.com" {
		t.Errorf("got %q", got)
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		ok       bool
	}{
		{"valid", "longenough", true},
		{"empty", "", false},
		{"short", "short", false},
		{"multibyte counts runes", "ééééééé", false},
		{"too many bytes", strings.Repeat("a", MaxPasswordBytes+1), false},
		{"control char", "abcdefgh\x00", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidatePassword(tt.password)
			if (got == "") != tt.ok {
				t.Errorf("ValidatePassword(%q) = %q, ok=%v", tt.password, got, tt.ok)
			}
		})
	}
}

func TestValidateUsername(t *testing.T) {
	for _, ok := range []string{"abc", "alice_1", "a.b-c", "0day"} {
		if msg := ValidateUsername(ok); msg != "" {
			t.Errorf("ValidateUsername(%q) = %q, want ok", ok, msg)
		}
	}
	for _, bad := range []string{"", "ab", "Alice", "_lead", "has space", strings.Repeat("a", 31)} {
		if msg := ValidateUsername(bad); msg == "" {
			t.Errorf("ValidateUsername(%q) accepted", bad)
		}
	}
}
