// verification_handler.go -- Email verification request and confirmation.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MGallo-Code/gatekeeper/internal/session"
	"github.com/MGallo-Code/gatekeeper/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// issueToken stores the hash of a fresh single-use token for email and returns the raw
// token for mailing. A newer token for the same purpose replaces older ones.
func (h *AuthHandler) issueToken(r *http.Request, email, purpose string, ttl time.Duration) (string, error) {
	token, tokenHash, err := session.GenerateToken()
	if err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating token id: %w", err)
	}
	err = h.PS.CreateVerificationToken(r.Context(), &store.VerificationToken{
		ID:         id,
		Identifier: email,
		TokenHash:  tokenHash,
		Purpose:    purpose,
		ExpiresAt:  time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("storing %s token: %w", purpose, err)
	}
	return token, nil
}

// consumeToken redeems a raw token for purpose. pgx.ErrNoRows covers malformed, unknown,
// expired and already-used tokens alike.
func (h *AuthHandler) consumeToken(r *http.Request, token, purpose string) (*store.VerificationToken, error) {
	tokenHash, err := session.HashToken(token)
	if err != nil {
		return nil, pgx.ErrNoRows
	}
	return h.PS.ConsumeVerificationToken(r.Context(), tokenHash, purpose, time.Now())
}

// issueVerification mails user a verification link.
func (h *AuthHandler) issueVerification(r *http.Request, user *store.User) error {
	if h.ML == nil {
		return nil
	}
	token, err := h.issueToken(r, user.Email, store.PurposeEmailVerification, h.verifyTTL())
	if err != nil {
		return err
	}
	return h.ML.SendEmailVerification(r.Context(), user.Email, token, h.verifyTTL(), nil)
}

// RequestEmailVerification mails a fresh verification link to the signed-in user.
func (h *AuthHandler) RequestEmailVerification(w http.ResponseWriter, r *http.Request) {
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	user, err := h.PS.GetUserByID(r.Context(), id.UserID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if user.EmailVerifiedAt != nil {
		BadRequest(w, r, "email already verified")
		return
	}
	if err := h.issueVerification(r, user); err != nil {
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "verification email sent", "user_id", user.ID)
	OK(w, "verification email sent")
}

// ConfirmEmailVerification consumes a verification token. A second use of the same token
// is 404, never a silent success.
func (h *AuthHandler) ConfirmEmailVerification(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Token string `json:"token" validate:"required,max=128"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	vt, err := h.consumeToken(r, input.Token, store.PurposeEmailVerification)
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
	if err := h.PS.SetEmailVerified(r.Context(), user.ID); err != nil {
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "email verified", "user_id", user.ID)
	OK(w, "email verified")
}
