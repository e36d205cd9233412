// handler.go -- AuthHandler and the ports it consumes.
package auth

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MGallo-Code/gatekeeper/internal/audit"
	"github.com/MGallo-Code/gatekeeper/internal/credential"
	"github.com/MGallo-Code/gatekeeper/internal/identity"
	"github.com/MGallo-Code/gatekeeper/internal/mail"
	"github.com/MGallo-Code/gatekeeper/internal/oauth"
	"github.com/MGallo-Code/gatekeeper/internal/ratelimit"
	"github.com/MGallo-Code/gatekeeper/internal/session"
	"github.com/MGallo-Code/gatekeeper/internal/store"
	"github.com/gofrs/uuid/v5"
)

// Token lifetimes used when the handler fields are zero.
const (
	DefaultVerifyTTL = 24 * time.Hour
	DefaultResetTTL  = time.Hour
)

// Store defines the reads and writes handlers do directly; everything else goes through
// the component packages.
// Satisfied by *store.PostgresStore, defined here (at consumer) per Go convention.
type Store interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	// GetUserByEmail returns pgx.ErrNoRows for unknown or deleted users.
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	UpdatePasswordHash(ctx context.Context, userID uuid.UUID, hash string) error
	SetEmailVerified(ctx context.Context, userID uuid.UUID) error

	CreateVerificationToken(ctx context.Context, t *store.VerificationToken) error
	// ConsumeVerificationToken deletes and returns the token; pgx.ErrNoRows when unknown,
	// expired or already used.
	ConsumeVerificationToken(ctx context.Context, tokenHash []byte, purpose string, now time.Time) (*store.VerificationToken, error)

	CheckHealth(ctx context.Context) error
}

// HealthChecker pings a dependency. Satisfied by *store.RedisStore.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// AuthHandler holds dependencies for every auth endpoint and middleware.
type AuthHandler struct {
	PS Store
	RS HealthChecker // nil reports redis as disabled
	SM *session.Manager
	IR *identity.Resolver
	AL *audit.Logger
	RL ratelimit.Limiter // nil disables rate limiting
	PH credential.Verifier
	ML mail.Mailer

	OAuthProviders map[string]oauth.Provider
	Cookie         CookieConfig
	// CSRFExempt lists path prefixes the CSRF guard skips. Nil uses DefaultCSRFExempt.
	CSRFExempt               []string
	RequireEmailVerification bool
	VerifyTTL                time.Duration
	ResetTTL                 time.Duration

	dummyOnce sync.Once
	dummy     string
}

// dummyHash is a live hash from PH, computed once. Verifying unknown users against it keeps
// the miss path as slow as the hit path, and tracks any cost parameter change.
func (h *AuthHandler) dummyHash() string {
	h.dummyOnce.Do(func() {
		h.dummy, _ = h.PH.Hash("gatekeeper-dummy-password")
	})
	return h.dummy
}

func (h *AuthHandler) verifyTTL() time.Duration {
	if h.VerifyTTL > 0 {
		return h.VerifyTTL
	}
	return DefaultVerifyTTL
}

func (h *AuthHandler) resetTTL() time.Duration {
	if h.ResetTTL > 0 {
		return h.ResetTTL
	}
	return DefaultResetTTL
}

// clientIP returns the bare client address. middleware.RealIP has already replaced
// RemoteAddr when a proxy header was present; otherwise the port is stripped.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sendAlert mails a security alert. Non-fatal.
func (h *AuthHandler) sendAlert(r *http.Request, toEmail, kind string) {
	if h.ML == nil || toEmail == "" {
		return
	}
	if err := h.ML.SendSecurityAlert(r.Context(), toEmail, kind, nil); err != nil {
		logWarn(r, "failed to send security alert", "kind", kind, "error", err)
	}
}

// auditOp records a sensitive operation with the request's client metadata.
func (h *AuthHandler) auditOp(r *http.Request, op audit.Operation) {
	if h.AL == nil {
		return
	}
	op.IP = clientIP(r)
	op.UserAgent = r.UserAgent()
	h.AL.LogSensitiveOperation(r.Context(), op)
}
