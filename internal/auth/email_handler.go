// email_handler.go -- Password registration, login and logout.
package auth

import (
	"errors"
	"net/http"

	"github.com/MGallo-Code/gatekeeper/internal/audit"
	"github.com/MGallo-Code/gatekeeper/internal/credential"
	"github.com/MGallo-Code/gatekeeper/internal/identity"
	"github.com/MGallo-Code/gatekeeper/internal/mail"
	"github.com/MGallo-Code/gatekeeper/internal/session"
	"github.com/MGallo-Code/gatekeeper/internal/store"
	"github.com/jackc/pgx/v5"
)

// Register creates a password account, mails a verification link and signs the user in.
// Returns 201 with {user_id, csrf_token}; 409 when the email or username is taken.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email    string `json:"email" validate:"required,max=254"`
		Password string `json:"password" validate:"required"`
		Username string `json:"username" validate:"omitempty,max=30"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	email := credential.NormalizeEmail(input.Email)
	if msg := credential.ValidateEmail(email); msg != "" {
		BadRequest(w, r, msg)
		return
	}
	if msg := credential.ValidatePassword(input.Password); msg != "" {
		BadRequest(w, r, msg)
		return
	}
	if input.Username != "" {
		if msg := credential.ValidateUsername(input.Username); msg != "" {
			BadRequest(w, r, msg)
			return
		}
	}

	user, err := h.IR.Register(r.Context(), identity.Registration{
		Email:    email,
		Username: input.Username,
		Password: input.Password,
	})
	if err != nil {
		if errors.Is(err, identity.ErrEmailTaken) || errors.Is(err, identity.ErrUsernameTaken) {
			logInfo(r, "registration conflict", "error", err)
			Conflict(w, err.Error())
			return
		}
		InternalServerError(w, r, err)
		return
	}

	// Verification mail failures don't block sign-up; the user can request another.
	if err := h.issueVerification(r, user); err != nil {
		logWarn(r, "failed to send verification email", "user_id", user.ID, "error", err)
	}

	issued, err := h.SM.Create(r.Context(), session.Identity{
		UserID:       user.ID,
		Email:        user.Email,
		Role:         user.Role,
		TokenVersion: &user.TokenVersion,
	}, h.clientInfo(r, "password"), 0)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	h.auditOp(r, audit.Operation{
		ActorID:    user.ID.String(),
		Action:     "user.register",
		TargetType: "user",
		TargetID:   user.ID.String(),
		Success:    true,
	})
	logInfo(r, "user registered", "user_id", user.ID)
	h.writeSession(w, http.StatusCreated, issued, user.ID.String(), http.SameSiteLaxMode)
}

// Login verifies email + password and issues a session.
// The suspicious-activity check runs first; a locked (email, ip) pair is refused with 403
// before any password comparison. Unknown users still pay for one hash verification.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email    string `json:"email" validate:"required,max=254"`
		Password string `json:"password" validate:"required,max=128"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	ctx := r.Context()
	email := credential.NormalizeEmail(input.Email)
	ip := clientIP(r)

	decision, err := h.AL.CheckSuspiciousActivity(ctx, email, ip)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if decision.ShouldLock {
		h.lockOut(w, r, email, ip, decision)
		return
	}

	attempt := audit.Attempt{Email: email, IP: ip, UserAgent: r.UserAgent()}

	user, err := h.PS.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			InternalServerError(w, r, err)
			return
		}
		h.PH.Verify(input.Password, h.dummyHash())
		attempt.FailureReason = "unknown_user"
		h.AL.LogLoginAttempt(ctx, attempt)
		logWarn(r, "login failed", "reason", "unknown_user")
		Unauthorized(w, r, "invalid credentials")
		return
	}
	attempt.UserID = &user.ID

	if !user.HasPassword() {
		h.PH.Verify(input.Password, h.dummyHash())
		attempt.FailureReason = "no_password"
		h.AL.LogLoginAttempt(ctx, attempt)
		logWarn(r, "login failed", "reason", "no_password", "user_id", user.ID)
		Unauthorized(w, r, "invalid credentials")
		return
	}

	ok, err := h.PH.Verify(input.Password, *user.PasswordHash)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !ok {
		attempt.FailureReason = "invalid_password"
		h.AL.LogLoginAttempt(ctx, attempt)
		logWarn(r, "login failed", "reason", "invalid_password", "user_id", user.ID)
		Unauthorized(w, r, "invalid credentials")
		return
	}

	if h.RequireEmailVerification && user.EmailVerifiedAt == nil {
		attempt.FailureReason = "email_not_verified"
		h.AL.LogLoginAttempt(ctx, attempt)
		Forbidden(w, r, "email not verified")
		return
	}

	if h.PH.NeedsRehash(*user.PasswordHash) {
		h.rehash(r, user, input.Password)
	}

	issued, err := h.SM.Create(ctx, session.Identity{
		UserID:       user.ID,
		Email:        user.Email,
		Role:         user.Role,
		TokenVersion: &user.TokenVersion,
	}, h.clientInfo(r, "password"), 0)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	attempt.Success = true
	h.AL.LogLoginAttempt(ctx, attempt)
	logInfo(r, "user logged in", "user_id", user.ID)
	h.writeSession(w, http.StatusOK, issued, user.ID.String(), http.SameSiteLaxMode)
}

// lockOut rejects a login for a locked (email, ip) pair. Any open sessions of the account
// are revoked, the owner is alerted, and the lock is audited with the system as actor.
func (h *AuthHandler) lockOut(w http.ResponseWriter, r *http.Request, email, ip string, d audit.Decision) {
	ctx := r.Context()
	attempt := audit.Attempt{
		Email:         email,
		IP:            ip,
		UserAgent:     r.UserAgent(),
		FailureReason: store.FailureLockedOut,
	}

	targetID := email
	if user, err := h.PS.GetUserByEmail(ctx, email); err == nil {
		attempt.UserID = &user.ID
		targetID = user.ID.String()
		if n, err := h.SM.RevokeAll(ctx, user.ID); err != nil {
			logError(r, "failed to revoke sessions on lockout", "user_id", user.ID, "error", err)
		} else if n > 0 {
			logInfo(r, "revoked sessions on lockout", "user_id", user.ID, "count", n)
		}
		h.sendAlert(r, user.Email, mail.AlertAccountLocked)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		logError(r, "failed to look up locked account", "error", err)
	}

	h.AL.LogLoginAttempt(ctx, attempt)
	h.auditOp(r, audit.Operation{
		ActorID:    audit.SystemActor,
		Action:     "account.lockout",
		TargetType: "user",
		TargetID:   targetID,
		Success:    true,
		Metadata:   map[string]any{"reason": d.Reason, "failures": d.Failures},
	})
	logWarn(r, "login locked out", "failures", d.Failures)
	Forbidden(w, r, "account temporarily locked")
}

// rehash upgrades a verified password to the current cost parameters. Non-fatal.
func (h *AuthHandler) rehash(r *http.Request, user *store.User, password string) {
	hash, err := h.PH.Hash(password)
	if err != nil {
		logWarn(r, "password rehash failed", "user_id", user.ID, "error", err)
		return
	}
	if err := h.PS.UpdatePasswordHash(r.Context(), user.ID, hash); err != nil {
		logWarn(r, "failed to store rehashed password", "user_id", user.ID, "error", err)
		return
	}
	logInfo(r, "password rehashed", "user_id", user.ID)
}

// Logout revokes the current session and clears the cookie. Always 200; a missing or stale
// cookie has nothing to revoke.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if id, ok := IdentityFromContext(r.Context()); ok {
		if err := h.SM.Revoke(r.Context(), id.TokenHash); err != nil {
			InternalServerError(w, r, err)
			return
		}
		logInfo(r, "user logged out", "user_id", id.UserID)
	}
	h.clearSessionCookie(w)
	OK(w, "logged out")
}

// LogoutAll bumps the caller's token version, fencing every session including this one.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	version, err := h.SM.GlobalLogout(r.Context(), id.UserID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	h.clearSessionCookie(w)

	h.auditOp(r, audit.Operation{
		ActorID:    id.UserID.String(),
		Action:     "session.logout_all",
		TargetType: "user",
		TargetID:   id.UserID.String(),
		Success:    true,
		Metadata:   map[string]any{"token_version": version},
	})
	h.sendAlert(r, id.Email, mail.AlertSessionsRevoked)
	logInfo(r, "user logged out everywhere", "user_id", id.UserID)
	OK(w, "logged out everywhere")
}

// clientInfo captures the request's client metadata for a new session.
func (h *AuthHandler) clientInfo(r *http.Request, method string) session.ClientInfo {
	return session.ClientInfo{IP: clientIP(r), UserAgent: r.UserAgent(), AuthMethod: method}
}
