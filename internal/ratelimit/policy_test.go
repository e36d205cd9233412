package ratelimit

import (
	"testing"
	"time"
)

func TestPolicyTable(t *testing.T) {
	tests := []struct {
		action string
		limit  int
		window time.Duration
	}{
		{ActionLogin, 5, 15 * time.Minute},
		{ActionRegister, 3, 60 * time.Minute},
		{ActionOAuth, 10, 60 * time.Minute},
		{ActionPasswordReset, 3, 60 * time.Minute},
		{ActionOTP, 5, 60 * time.Minute},
		{ActionGeneral, 100, 15 * time.Minute},
	}
	for _, tt := range tests {
		p := For(tt.action)
		if p.Action != tt.action || p.Limit != tt.limit || p.Window != tt.window {
			t.Errorf("For(%q) = %+v, want %d per %v", tt.action, p, tt.limit, tt.window)
		}
	}
}

func TestForUnknownFallsBackToGeneral(t *testing.T) {
	if p := For("nope"); p.Action != ActionGeneral {
		t.Errorf("got %+v", p)
	}
}

func TestKey(t *testing.T) {
	p := For(ActionLogin)
	if got := Key(p, "203.0.113.7", ""); got != "rl:login:203.0.113.7" {
		t.Errorf("anonymous key: got %q", got)
	}
	if got := Key(p, "203.0.113.7", "u-1"); got != "rl:login:203.0.113.7:u-1" {
		t.Errorf("authenticated key: got %q", got)
	}
}
