// oauth.go -- PKCE, state cookie and provider lookup for the OAuth round-trip.
// Provider-specific logic lives in internal/oauth; adding a provider means implementing
// oauth.Provider and registering it in OAuthProviders in main.go.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/MGallo-Code/gatekeeper/internal/oauth"
	"github.com/go-chi/chi/v5"
)

// oauthStateMaxAge bounds how long the user has at the provider's consent page.
const oauthStateMaxAge = 600

var (
	errStateMissing  = errors.New("missing oauth state")
	errStateMismatch = errors.New("invalid oauth state")
)

// oauthState is the payload of the state cookie during the round-trip.
type oauthState struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
}

func randomString() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// newOAuthState returns a fresh state + PKCE verifier and the S256 code challenge.
func newOAuthState() (oauthState, string, error) {
	state, err := randomString()
	if err != nil {
		return oauthState{}, "", err
	}
	verifier, err := randomString()
	if err != nil {
		return oauthState{}, "", err
	}
	sum := sha256.Sum256([]byte(verifier))
	return oauthState{State: state, Verifier: verifier}, base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// setOAuthStateCookie stores state + PKCE verifier in a short-lived HttpOnly cookie.
func (h *AuthHandler) setOAuthStateCookie(w http.ResponseWriter, st oauthState) {
	payload, _ := json.Marshal(st)
	http.SetCookie(w, &http.Cookie{
		Name:     h.Cookie.oauthStateCookieName(),
		Value:    base64.RawURLEncoding.EncodeToString(payload),
		Path:     "/",
		Domain:   h.Cookie.Domain,
		HttpOnly: true,
		Secure:   h.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   oauthStateMaxAge,
	})
}

func (h *AuthHandler) clearOAuthStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.Cookie.oauthStateCookieName(),
		Value:    "",
		Path:     "/",
		Domain:   h.Cookie.Domain,
		HttpOnly: true,
		Secure:   h.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// consumeOAuthState reads and clears the state cookie, then checks the state query param
// against it. The cookie is cleared on every path so a state is never usable twice.
// Returns errStateMissing (no cookie or no param) or errStateMismatch.
func (h *AuthHandler) consumeOAuthState(w http.ResponseWriter, r *http.Request) (oauthState, error) {
	c, err := r.Cookie(h.Cookie.oauthStateCookieName())
	if err != nil {
		return oauthState{}, errStateMissing
	}
	h.clearOAuthStateCookie(w)

	presented := r.URL.Query().Get("state")
	if presented == "" {
		return oauthState{}, errStateMissing
	}
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return oauthState{}, errStateMismatch
	}
	var st oauthState
	if err := json.Unmarshal(raw, &st); err != nil || st.State == "" {
		return oauthState{}, errStateMismatch
	}
	if subtle.ConstantTimeCompare([]byte(st.State), []byte(presented)) != 1 {
		return oauthState{}, errStateMismatch
	}
	return st, nil
}

// oauthProvider reads the {provider} URL param and looks it up in OAuthProviders.
// Writes 404 and returns (nil, false) when the provider is not configured.
func (h *AuthHandler) oauthProvider(r *http.Request, w http.ResponseWriter) (oauth.Provider, bool) {
	name := chi.URLParam(r, "provider")
	p, ok := h.OAuthProviders[name]
	if !ok {
		NotFound(w, "unknown provider")
		return nil, false
	}
	return p, true
}
