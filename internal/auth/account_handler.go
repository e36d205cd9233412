// account_handler.go -- Profile, sessions, security history, deletion and admin actions.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MGallo-Code/gatekeeper/internal/audit"
	"github.com/MGallo-Code/gatekeeper/internal/credential"
	"github.com/MGallo-Code/gatekeeper/internal/identity"
	"github.com/MGallo-Code/gatekeeper/internal/mail"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// Security audit page size.
const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

// Me returns the caller's account.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	user, err := h.PS.GetUserByID(r.Context(), id.UserID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ID            string  `json:"id"`
		Email         string  `json:"email"`
		Username      *string `json:"username"`
		Role          string  `json:"role"`
		EmailVerified bool    `json:"email_verified"`
		HasPassword   bool    `json:"has_password"`
		AuthMethod    string  `json:"auth_method"`
	}{
		ID:            user.ID.String(),
		Email:         user.Email,
		Username:      user.Username,
		Role:          user.Role,
		EmailVerified: user.EmailVerifiedAt != nil,
		HasPassword:   user.HasPassword(),
		AuthMethod:    id.AuthMethod,
	})
}

// UpdateProfile sets the caller's username and, for OAuth-only accounts, a first password.
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	var input struct {
		Username string `json:"username" validate:"required,max=30"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}
	if msg := credential.ValidateUsername(input.Username); msg != "" {
		BadRequest(w, r, msg)
		return
	}
	if input.Password != "" {
		if msg := credential.ValidatePassword(input.Password); msg != "" {
			BadRequest(w, r, msg)
			return
		}
	}

	err := h.IR.CompleteProfile(r.Context(), id.UserID, input.Username, input.Password)
	switch {
	case errors.Is(err, identity.ErrUsernameTaken), errors.Is(err, identity.ErrPasswordSet):
		Conflict(w, err.Error())
		return
	case err != nil:
		InternalServerError(w, r, err)
		return
	}
	if input.Password != "" {
		h.auditOp(r, audit.Operation{
			ActorID: id.UserID.String(), Action: "password.set",
			TargetType: "user", TargetID: id.UserID.String(), Success: true,
		})
	}
	logInfo(r, "profile updated", "user_id", id.UserID)
	OK(w, "profile updated")
}

// DeleteAccount soft-deletes the caller. Accounts with a password must confirm it.
func (h *AuthHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	var input struct {
		Password string `json:"password" validate:"max=128"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	user, err := h.PS.GetUserByID(r.Context(), id.UserID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if user.HasPassword() {
		if input.Password == "" {
			BadRequest(w, r, "password required")
			return
		}
		match, err := h.PH.Verify(input.Password, *user.PasswordHash)
		if err != nil {
			InternalServerError(w, r, err)
			return
		}
		if !match {
			logWarn(r, "account deletion refused", "reason", "invalid_password", "user_id", user.ID)
			Unauthorized(w, r, "invalid credentials")
			return
		}
	}

	if err := h.IR.DeleteAccount(r.Context(), user.ID); err != nil {
		h.auditOp(r, audit.Operation{
			ActorID: user.ID.String(), Action: "user.delete",
			TargetType: "user", TargetID: user.ID.String(), Success: false,
		})
		InternalServerError(w, r, err)
		return
	}
	h.clearSessionCookie(w)
	h.auditOp(r, audit.Operation{
		ActorID: user.ID.String(), Action: "user.delete",
		TargetType: "user", TargetID: user.ID.String(), Success: true,
	})
	logInfo(r, "account deleted", "user_id", user.ID)
	OK(w, "account deleted")
}

type sessionView struct {
	ID             string    `json:"id"`
	AuthMethod     string    `json:"auth_method"`
	IPAddress      *string   `json:"ip_address"`
	UserAgent      *string   `json:"user_agent"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Current        bool      `json:"current"`
}

// ListSessions returns the caller's active sessions, marking the one making the request.
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	sessions, err := h.SM.List(r.Context(), id.UserID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{
			ID:             s.ID.String(),
			AuthMethod:     s.AuthMethod,
			IPAddress:      s.IPAddress,
			UserAgent:      s.UserAgent,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			ExpiresAt:      s.ExpiresAt,
			Current:        s.ID == id.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// RevokeSession ends one of the caller's sessions by id.
func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	sessionID, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, r, "invalid session id")
		return
	}
	revoked, err := h.SM.RevokeByID(r.Context(), id.UserID, sessionID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !revoked {
		NotFound(w, "session not found")
		return
	}
	if sessionID == id.SessionID {
		h.clearSessionCookie(w)
	}
	logInfo(r, "session revoked", "user_id", id.UserID, "session_id", sessionID)
	OK(w, "session revoked")
}

type attemptView struct {
	IPAddress     string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent"`
	Success       bool      `json:"success"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type entryView struct {
	ActorID    string          `json:"actor_id"`
	Action     string          `json:"action"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	IPAddress  *string         `json:"ip_address"`
	Success    bool            `json:"success"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SecurityAudit returns the caller's recent login attempts and audit entries.
// ?limit= caps each list (default 50, max 200).
func (h *AuthHandler) SecurityAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			BadRequest(w, r, "invalid limit")
			return
		}
		limit = min(n, maxAuditLimit)
	}

	user, err := h.PS.GetUserByID(r.Context(), id.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		Unauthorized(w, r, "unauthorized")
		return
	}
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	report, err := h.AL.List(r.Context(), user, limit)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	attempts := make([]attemptView, 0, len(report.Attempts))
	for _, a := range report.Attempts {
		attempts = append(attempts, attemptView{
			IPAddress:     a.IPAddress,
			UserAgent:     a.UserAgent,
			Success:       a.Success,
			FailureReason: a.FailureReason,
			CreatedAt:     a.CreatedAt,
		})
	}
	entries := make([]entryView, 0, len(report.Entries))
	for _, e := range report.Entries {
		entries = append(entries, entryView{
			ActorID:    e.ActorID,
			Action:     e.Action,
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			IPAddress:  e.IPAddress,
			Success:    e.Success,
			Metadata:   json.RawMessage(e.Metadata),
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"login_attempts": attempts, "audit_entries": entries})
}

// AdminLogoutAll forces a global logout of user {id}. Guarded by RequireRole(admin).
func (h *AuthHandler) AdminLogoutAll(w http.ResponseWriter, r *http.Request) {
	admin, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	targetID, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, r, "invalid user id")
		return
	}
	target, err := h.PS.GetUserByID(r.Context(), targetID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			NotFound(w, "user not found")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	version, err := h.SM.GlobalLogout(r.Context(), target.ID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	h.auditOp(r, audit.Operation{
		ActorID:    admin.UserID.String(),
		Action:     "admin.logout_all",
		TargetType: "user",
		TargetID:   target.ID.String(),
		Success:    true,
		Metadata:   map[string]any{"token_version": version},
	})
	h.sendAlert(r, target.Email, mail.AlertSessionsRevoked)
	logInfo(r, "admin forced global logout", "admin_id", admin.UserID, "user_id", target.ID)
	OK(w, "user logged out everywhere")
}
