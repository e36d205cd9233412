// session.go

// Session cookie management.
package auth

import (
	"net/http"
	"time"

	"github.com/MGallo-Code/gatekeeper/internal/session"
)

// CookieConfig controls cookie attributes. Secure should be set whenever the service is
// served over TLS.
type CookieConfig struct {
	Secure bool
	Domain string
}

// name applies the strongest prefix the attributes allow: __Host- needs Secure and no
// Domain, __Secure- only Secure.
func (c CookieConfig) name(base string) string {
	switch {
	case c.Secure && c.Domain == "":
		return "__Host-" + base
	case c.Secure:
		return "__Secure-" + base
	}
	return base
}

// SessionCookieName is the session cookie's name under c.
func (c CookieConfig) SessionCookieName() string { return c.name("session") }

func (c CookieConfig) oauthStateCookieName() string { return c.name("oauth-state") }

// setSessionCookie writes the opaque session token. Nothing else about the session goes
// in the cookie.
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, issued *session.Issued, sameSite http.SameSite) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.Cookie.SessionCookieName(),
		Value:    issued.Token,
		Path:     "/",
		Domain:   h.Cookie.Domain,
		HttpOnly: true,
		Secure:   h.Cookie.Secure,
		SameSite: sameSite,
		MaxAge:   int(time.Until(issued.ExpiresAt).Round(time.Second).Seconds()),
	})
}

// clearSessionCookie overwrites the session cookie with MaxAge=-1 to trigger browser deletion.
func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.Cookie.SessionCookieName(),
		Value:    "",
		Path:     "/",
		Domain:   h.Cookie.Domain,
		HttpOnly: true,
		Secure:   h.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// sessionToken returns the raw session cookie value, or "" when absent.
func (h *AuthHandler) sessionToken(r *http.Request) string {
	c, err := r.Cookie(h.Cookie.SessionCookieName())
	if err != nil {
		return ""
	}
	return c.Value
}

// writeSession sets the cookie and CSRF header and returns {user_id, csrf_token}.
func (h *AuthHandler) writeSession(w http.ResponseWriter, status int, issued *session.Issued, userID string, sameSite http.SameSite) {
	h.setSessionCookie(w, issued, sameSite)
	w.Header().Set(CSRFHeader, issued.CSRFToken)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"user_id":"` + userID + `","csrf_token":"` + issued.CSRFToken + `"}`))
}
