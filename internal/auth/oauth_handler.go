// oauth_handler.go -- OAuth redirect/callback and connected-provider management.
package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/MGallo-Code/gatekeeper/internal/audit"
	"github.com/MGallo-Code/gatekeeper/internal/identity"
	"github.com/MGallo-Code/gatekeeper/internal/oauth"
	"github.com/MGallo-Code/gatekeeper/internal/session"
	"github.com/go-chi/chi/v5"
)

// OAuthRedirect handles GET /oauth/{provider}: stores state + PKCE verifier in a
// short-lived cookie and redirects to the provider's consent page.
func (h *AuthHandler) OAuthRedirect(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.oauthProvider(r, w)
	if !ok {
		return
	}
	st, challenge, err := newOAuthState()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	h.setOAuthStateCookie(w, st)
	http.Redirect(w, r, provider.AuthCodeURL(st.State, challenge), http.StatusFound)
}

// OAuthCallback handles GET /oauth/{provider}/callback. A signed-in caller gets the
// provider identity linked to their account; anyone else is resolved to a user (existing
// link, email match, or new account) and issued a SameSite=Strict session.
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.oauthProvider(r, w)
	if !ok {
		return
	}
	name := provider.Name()

	st, err := h.consumeOAuthState(w, r)
	if err != nil {
		logWarn(r, "oauth callback rejected", "provider", name, "reason", err.Error())
		if errors.Is(err, errStateMissing) {
			BadRequest(w, r, "missing oauth state")
			return
		}
		Unauthorized(w, r, "invalid oauth state")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		logWarn(r, "oauth callback without code", "provider", name, "error", r.URL.Query().Get("error"))
		Unauthorized(w, r, "oauth authentication failed")
		return
	}

	ctx := r.Context()
	tokens, err := provider.Exchange(ctx, code, st.Verifier)
	if err != nil {
		h.providerFailed(w, r, name, err)
		return
	}
	profile, err := provider.FetchProfile(ctx, tokens)
	if err != nil {
		if errors.Is(err, oauth.ErrNoVerifiedEmail) {
			logWarn(r, "oauth profile has no verified email", "provider", name)
			Forbidden(w, r, "no verified email")
			return
		}
		h.providerFailed(w, r, name, err)
		return
	}

	if id, ok := IdentityFromContext(ctx); ok {
		h.linkSignedIn(w, r, id, name, profile, tokens)
		return
	}

	user, outcome, err := h.IR.Resolve(ctx, name, profile, tokens)
	if err != nil {
		h.identityFailed(w, r, name, err)
		return
	}

	issued, err := h.SM.Create(ctx, session.Identity{
		UserID:       user.ID,
		Email:        user.Email,
		Role:         user.Role,
		TokenVersion: &user.TokenVersion,
	}, h.clientInfo(r, name), 0)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	switch outcome {
	case identity.OutcomeCreated:
		h.auditOp(r, audit.Operation{
			ActorID: user.ID.String(), Action: "oauth.register",
			TargetType: "user", TargetID: user.ID.String(), Success: true,
			Metadata: map[string]string{"provider": name},
		})
	case identity.OutcomeLinked:
		h.auditOp(r, audit.Operation{
			ActorID: user.ID.String(), Action: "oauth.link",
			TargetType: "oauth_account", TargetID: name, Success: true,
			Metadata: map[string]string{"provider": name, "via": "email_match"},
		})
	}
	logInfo(r, "oauth sign-in", "user_id", user.ID, "provider", name, "outcome", outcome.String())
	h.writeSession(w, http.StatusOK, issued, user.ID.String(), http.SameSiteStrictMode)
}

// linkSignedIn attaches the provider identity to the caller's account. The caller's
// session is left as is.
func (h *AuthHandler) linkSignedIn(w http.ResponseWriter, r *http.Request, id Identity, name string, p *oauth.Profile, t *oauth.Tokens) {
	outcome, err := h.IR.Link(r.Context(), id.UserID, name, p, t)
	if err != nil {
		h.identityFailed(w, r, name, err)
		return
	}
	if outcome == identity.OutcomeLinked {
		h.auditOp(r, audit.Operation{
			ActorID: id.UserID.String(), Action: "oauth.link",
			TargetType: "oauth_account", TargetID: name, Success: true,
			Metadata: map[string]string{"provider": name},
		})
	}
	logInfo(r, "oauth identity linked", "user_id", id.UserID, "provider", name, "outcome", outcome.String())
	OK(w, "linked")
}

// providerFailed maps exchange/profile errors. A grant the provider rejected is 401; a
// provider that errored, timed out or could not be reached is 500 with a generic body.
// Authorization codes are single-use, so nothing is retried.
func (h *AuthHandler) providerFailed(w http.ResponseWriter, r *http.Request, name string, err error) {
	var ee *oauth.ExchangeError
	if errors.As(err, &ee) && ee.Rejected() {
		logWarn(r, "oauth exchange rejected", "provider", name, "status", ee.Status, "error", err)
		Unauthorized(w, r, "oauth authentication failed")
		return
	}
	if ee != nil && ee.Timeout() {
		logError(r, "oauth provider timed out", "provider", name)
	}
	InternalServerError(w, r, err)
}

func (h *AuthHandler) identityFailed(w http.ResponseWriter, r *http.Request, name string, err error) {
	switch {
	case errors.Is(err, identity.ErrEmailNotVerified):
		Forbidden(w, r, "provider email not verified")
	case errors.Is(err, identity.ErrIdentityInUse), errors.Is(err, identity.ErrProviderLinked):
		logWarn(r, "oauth link conflict", "provider", name, "error", err)
		Conflict(w, err.Error())
	default:
		InternalServerError(w, r, err)
	}
}

type accountView struct {
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// ListOAuthAccounts returns the caller's connected providers. Provider tokens never leave
// the server.
func (h *AuthHandler) ListOAuthAccounts(w http.ResponseWriter, r *http.Request) {
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	accounts, err := h.IR.ListAccounts(r.Context(), id.UserID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountView{Provider: a.Provider, CreatedAt: a.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

// UnlinkOAuthAccount removes the caller's link for {provider}. Refused with 409 when it is
// the last way to sign in.
func (h *AuthHandler) UnlinkOAuthAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "provider")

	err := h.IR.Unlink(r.Context(), id.UserID, name)
	switch {
	case errors.Is(err, identity.ErrNotLinked):
		NotFound(w, "provider not linked")
		return
	case errors.Is(err, identity.ErrLastSignInMethod):
		Conflict(w, "cannot unlink last sign-in method")
		return
	case err != nil:
		InternalServerError(w, r, err)
		return
	}

	h.auditOp(r, audit.Operation{
		ActorID: id.UserID.String(), Action: "oauth.unlink",
		TargetType: "oauth_account", TargetID: name, Success: true,
	})
	logInfo(r, "oauth identity unlinked", "user_id", id.UserID, "provider", name)
	OK(w, "unlinked")
}
