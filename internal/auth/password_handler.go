// password_handler.go -- Password reset and change.
package auth

import (
	"errors"
	"net/http"

	"github.com/MGallo-Code/gatekeeper/internal/audit"
	"github.com/MGallo-Code/gatekeeper/internal/credential"
	"github.com/MGallo-Code/gatekeeper/internal/mail"
	"github.com/MGallo-Code/gatekeeper/internal/store"
	"github.com/jackc/pgx/v5"
)

// resetRequestedMessage is returned whether or not the email belongs to an account.
const resetRequestedMessage = "if that email is registered, a reset link has been sent"

// PasswordReset mails a reset link. The response never reveals whether the account exists.
func (h *AuthHandler) PasswordReset(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email string `json:"email" validate:"required,max=254"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}
	email := credential.NormalizeEmail(input.Email)
	if msg := credential.ValidateEmail(email); msg != "" {
		BadRequest(w, r, msg)
		return
	}

	user, err := h.PS.GetUserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			logInfo(r, "password reset for unknown email")
			OK(w, resetRequestedMessage)
			return
		}
		InternalServerError(w, r, err)
		return
	}

	if h.ML != nil {
		token, err := h.issueToken(r, user.Email, store.PurposePasswordReset, h.resetTTL())
		if err != nil {
			InternalServerError(w, r, err)
			return
		}
		if err := h.ML.SendPasswordReset(r.Context(), user.Email, token, h.resetTTL(), nil); err != nil {
			logError(r, "failed to send password reset", "user_id", user.ID, "error", err)
		}
	}
	logInfo(r, "password reset requested", "user_id", user.ID)
	OK(w, resetRequestedMessage)
}

// PasswordConfirm consumes a reset token and sets the new password. Every existing session
// is fenced. The mailbox round-trip also proves the email, so it is marked verified.
func (h *AuthHandler) PasswordConfirm(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Token    string `json:"token" validate:"required,max=128"`
		Password string `json:"password" validate:"required"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}
	if msg := credential.ValidatePassword(input.Password); msg != "" {
		BadRequest(w, r, msg)
		return
	}

	vt, err := h.consumeToken(r, input.Token, store.PurposePasswordReset)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			NotFound(w, "invalid or expired token")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	user, err := h.PS.GetUserByEmail(r.Context(), vt.Identifier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			NotFound(w, "invalid or expired token")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	if !h.setPassword(w, r, user, input.Password) {
		return
	}
	if user.EmailVerifiedAt == nil {
		if err := h.PS.SetEmailVerified(r.Context(), user.ID); err != nil {
			logWarn(r, "failed to mark email verified after reset", "user_id", user.ID, "error", err)
		}
	}

	h.auditOp(r, audit.Operation{
		ActorID:    user.ID.String(),
		Action:     "password.reset",
		TargetType: "user",
		TargetID:   user.ID.String(),
		Success:    true,
	})
	logInfo(r, "password reset", "user_id", user.ID)
	OK(w, "password updated")
}

// PasswordChange replaces the caller's password after re-checking the current one. All
// sessions, including this one, are fenced; the client signs in again.
func (h *AuthHandler) PasswordChange(w http.ResponseWriter, r *http.Request) {
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	var input struct {
		CurrentPassword string `json:"current_password" validate:"required,max=128"`
		NewPassword     string `json:"new_password" validate:"required"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}
	if msg := credential.ValidatePassword(input.NewPassword); msg != "" {
		BadRequest(w, r, msg)
		return
	}

	user, err := h.PS.GetUserByID(r.Context(), id.UserID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !user.HasPassword() {
		Conflict(w, "no password set")
		return
	}
	ok, err = h.PH.Verify(input.CurrentPassword, *user.PasswordHash)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !ok {
		logWarn(r, "password change failed", "reason", "invalid_password", "user_id", user.ID)
		Unauthorized(w, r, "invalid credentials")
		return
	}

	if !h.setPassword(w, r, user, input.NewPassword) {
		return
	}
	h.clearSessionCookie(w)

	h.auditOp(r, audit.Operation{
		ActorID:    user.ID.String(),
		Action:     "password.change",
		TargetType: "user",
		TargetID:   user.ID.String(),
		Success:    true,
	})
	logInfo(r, "password changed", "user_id", user.ID)
	OK(w, "password updated")
}

// setPassword hashes and stores password, fences every session and alerts the owner.
// Writes 500 and returns false on failure.
func (h *AuthHandler) setPassword(w http.ResponseWriter, r *http.Request, user *store.User, password string) bool {
	hash, err := h.PH.Hash(password)
	if err != nil {
		InternalServerError(w, r, err)
		return false
	}
	if err := h.PS.UpdatePasswordHash(r.Context(), user.ID, hash); err != nil {
		InternalServerError(w, r, err)
		return false
	}
	if _, err := h.SM.GlobalLogout(r.Context(), user.ID); err != nil {
		InternalServerError(w, r, err)
		return false
	}
	h.sendAlert(r, user.Email, mail.AlertPasswordChanged)
	return true
}
