// middleware.go

// Session identification, authorization and rate-limit middleware.
package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/MGallo-Code/gatekeeper/internal/ratelimit"
	"github.com/MGallo-Code/gatekeeper/internal/session"
	"github.com/gofrs/uuid/v5"
)

// CSRFHeader carries the session's CSRF token in both directions.
const CSRFHeader = "X-CSRF-Token"

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller, set once by Identify.
type Identity struct {
	UserID     uuid.UUID
	SessionID  uuid.UUID
	Email      string
	Role       string
	CSRFToken  string
	AuthMethod string
	TokenHash  []byte
}

// IdentityFromContext returns the caller's identity. ok is false when the request
// carried no valid session. The returned value is a copy.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	if !ok {
		return Identity{}, false
	}
	id.TokenHash = slices.Clone(id.TokenHash)
	return id, true
}

// Identify validates the session cookie when present and stores the caller's Identity in
// the request context, echoing the CSRF token in X-CSRF-Token. Requests without a valid
// session pass through anonymous; RequireAuth decides whether that is acceptable.
// Invalid sessions are revoked by the session manager as a side effect.
func (h *AuthHandler) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.sessionToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		tokenHash, err := session.HashToken(token)
		if err != nil {
			logDebug(r, "ignoring session cookie", "reason", "invalid_cookie_encoding")
			next.ServeHTTP(w, r)
			return
		}

		data, err := h.SM.Validate(r.Context(), tokenHash)
		if err != nil {
			if errors.Is(err, session.ErrInvalid) {
				logDebug(r, "ignoring session cookie", "reason", err.Error())
				next.ServeHTTP(w, r)
				return
			}
			logError(r, "session validation failed", "error", err)
			InternalServerError(w, r, err)
			return
		}

		id := Identity{
			UserID:     data.UserID,
			SessionID:  data.SessionID,
			Email:      data.Email,
			Role:       data.Role,
			CSRFToken:  data.CSRFToken,
			AuthMethod: data.AuthMethod,
			TokenHash:  tokenHash,
		}
		w.Header().Set(CSRFHeader, data.CSRFToken)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

// RequireAuth rejects anonymous requests with 401. Must run after Identify.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFromContext(r.Context()); !ok {
			logWarn(r, "require auth failed", "reason", "no_valid_session")
			Unauthorized(w, r, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects anonymous requests with 401 and callers without role with 403.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				Unauthorized(w, r, "unauthorized")
				return
			}
			if id.Role != role {
				logWarn(r, "role check failed", "user_id", id.UserID, "role", id.Role, "required", role)
				Forbidden(w, r, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit counts the request against action's policy, keyed by client IP, or IP plus user
// when Identify found a session. Over quota is 429 with Retry-After. A limiter error lets
// the request through.
func (h *AuthHandler) RateLimit(action string) func(http.Handler) http.Handler {
	policy := ratelimit.For(action)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.RL == nil {
				next.ServeHTTP(w, r)
				return
			}
			userID := ""
			if id, ok := IdentityFromContext(r.Context()); ok {
				userID = id.UserID.String()
			}

			res, err := h.RL.Allow(r.Context(), ratelimit.Key(policy, clientIP(r), userID), policy)
			if err != nil {
				logWarn(r, "rate limiter unavailable, allowing request", "action", policy.Action, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !res.Allowed {
				logInfo(r, "rate limited", "action", policy.Action, "count", res.Count)
				TooManyRequests(w, policy.Action, res.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// mustIdentity reads the identity inside a RequireAuth-guarded handler. A miss means the
// route was wired without RequireAuth; it writes 500.
func mustIdentity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		logError(r, "handler reached without identity in context")
		InternalServerError(w, r, errors.New("missing session context"))
	}
	return id, ok
}
