package auth

// wiring_test.go
//
// Catches bugs where handlers and middleware hand data to each other incorrectly.
// Everything shares one MemStore:
//
//   - Cookie:   Login (set cookie) -> Identify (validate cookie)
//   - CSRF:     Login (csrf_token) -> X-CSRF-Token -> CSRFGuard
//   - Context:  Identify (identity) -> LogoutAll (read identity)
//   - Fencing:  LogoutAll on one device invalidates every other device on next request
//   - OAuth:    Redirect (state cookie) -> Callback (state check) -> Identify

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-chi/chi/v5"
)

// seamRouter keeps the service order Identify, CSRF guard, then RequireAuth, without rate limits.
func seamRouter(h *AuthHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(h.Identify)
	r.Use(h.CSRFGuard)
	r.Post("/login", h.Login)
	r.Get("/oauth/{provider}", h.OAuthRedirect)
	r.Get("/oauth/{provider}/callback", h.OAuthCallback)
	r.Group(func(r chi.Router) {
		r.Use(RequireAuth)
		r.Get("/me", h.Me)
		r.Post("/logout-all", h.LogoutAll)
		r.Post("/password/change", h.PasswordChange)
	})
	return r
}

// device is one browser: its session cookie and last CSRF token.
type device struct {
	cookie *http.Cookie
	csrf   string
}

func loginDevice(t *testing.T, e *testEnv, router http.Handler, email, password string) device {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, jsonRequest(http.MethodPost, "/login", `{"email":"`+email+`","password":"`+password+`"}`))
	c, body := assertSessionIssued(t, e, w, http.StatusOK)
	return device{cookie: c, csrf: body.CSRFToken}
}

func (d device) request(method, target, body string) *http.Request {
	r := jsonRequest(method, target, body)
	r.AddCookie(d.cookie)
	if d.csrf != "" {
		r.Header.Set(CSRFHeader, d.csrf)
	}
	return r
}

func TestSeamLoginIdentifyCSRF(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "a@x.com", "password-one")
	router := seamRouter(e.h)
	d := loginDevice(t, e, router, "a@x.com", "password-one")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, d.request(http.MethodGet, "/me", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /me with login cookie: expected 200, got %d", w.Code)
	}
	if got := w.Header().Get(CSRFHeader); got != d.csrf {
		t.Errorf("Identify must echo the login csrf token, got %q", got)
	}

	noHeader := d
	noHeader.csrf = ""
	w = httptest.NewRecorder()
	router.ServeHTTP(w, noHeader.request(http.MethodPost, "/logout-all", ""))
	assertForbidden(t, w, "token required")
}

func TestSeamLogoutAllFencesOtherDevices(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "a@x.com", "password-one")
	other := e.addUser(t, "b@x.com", "password-one")
	router := seamRouter(e.h)

	laptop := loginDevice(t, e, router, "a@x.com", "password-one")
	phone := loginDevice(t, e, router, "a@x.com", "password-one")
	bystander := loginDevice(t, e, router, "b@x.com", "password-one")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, laptop.request(http.MethodPost, "/logout-all", ""))
	assertMessage(t, w, http.StatusOK, "logged out everywhere")

	for name, d := range map[string]device{"laptop": laptop, "phone": phone} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, d.request(http.MethodGet, "/me", ""))
		assertUnauthorized(t, w, "unauthorized")
		if w.Header().Get(CSRFHeader) != "" {
			t.Errorf("%s: fenced session must not get a csrf token", name)
		}
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, bystander.request(http.MethodGet, "/me", ""))
	if w.Code != http.StatusOK {
		t.Errorf("other user's session must survive, got %d", w.Code)
	}
	if n := e.ms.ActiveSessionCount(other.ID); n != 1 {
		t.Errorf("other user: expected 1 active session, got %d", n)
	}

	t.Run("state-changing request on fenced session", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, phone.request(http.MethodPost, "/password/change",
			`{"current_password":"password-one","new_password":"password-two"}`))
		assertForbidden(t, w, "invalid token")
	})
}

func TestSeamOAuthRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	e.h.OAuthProviders["github"] = newFakeGitHub()
	router := seamRouter(e.h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/oauth/github", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("redirect: expected 302, got %d", w.Code)
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	stateCookie := findCookie(w, e.h.Cookie.oauthStateCookieName())

	r := httptest.NewRequest(http.MethodGet, "/oauth/github/callback?code=abc&state="+url.QueryEscape(loc.Query().Get("state")), nil)
	r.AddCookie(stateCookie)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	c, body := assertSessionIssued(t, e, w, http.StatusOK)

	d := device{cookie: c, csrf: body.CSRFToken}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, d.request(http.MethodGet, "/me", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /me with oauth session: expected 200, got %d", w.Code)
	}

	t.Run("replayed callback is rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/oauth/github/callback?code=abc&state=x", nil))
		assertBadRequest(t, w, "missing oauth state")
	})
}
