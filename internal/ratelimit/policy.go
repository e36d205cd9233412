// Package ratelimit enforces per-action request quotas keyed by client identity.
package ratelimit

import (
	"context"
	"time"
)

// Action classes. Each route is assigned exactly one.
const (
	ActionLogin         = "login"
	ActionRegister      = "register"
	ActionOAuth         = "oauth"
	ActionPasswordReset = "password_reset"
	ActionOTP           = "otp"
	ActionGeneral       = "general"
)

// Policy is a fixed-window quota: at most Limit requests per Window.
type Policy struct {
	Action string
	Limit  int
	Window time.Duration
}

// Policies is the quota table, keyed by action class.
var Policies = map[string]Policy{
	ActionLogin:         {Action: ActionLogin, Limit: 5, Window: 15 * time.Minute},
	ActionRegister:      {Action: ActionRegister, Limit: 3, Window: time.Hour},
	ActionOAuth:         {Action: ActionOAuth, Limit: 10, Window: time.Hour},
	ActionPasswordReset: {Action: ActionPasswordReset, Limit: 3, Window: time.Hour},
	ActionOTP:           {Action: ActionOTP, Limit: 5, Window: time.Hour},
	ActionGeneral:       {Action: ActionGeneral, Limit: 100, Window: 15 * time.Minute},
}

// For returns the policy for action, falling back to the general policy for unknown classes.
func For(action string) Policy {
	if p, ok := Policies[action]; ok {
		return p
	}
	return Policies[ActionGeneral]
}

// Result is the outcome of one Allow call.
// RetryAfter is the policy window, the advertised wait for a rejected caller; meaningful
// when !Allowed.
type Result struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Limiter records one request against key and reports whether it is within policy.
// An error means the limiter could not decide; callers fail open.
type Limiter interface {
	Allow(ctx context.Context, key string, p Policy) (Result, error)
}

// Key builds the counter key: rl:<action>:<ip>, plus :<userID> for authenticated requests.
func Key(p Policy, ip, userID string) string {
	k := "rl:" + p.Action + ":" + ip
	if userID != "" {
		k += ":" + userID
	}
	return k
}
