// handler_test.go

// Shared harness and assertion helpers for auth package tests.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MGallo-Code/gatekeeper/internal/audit"
	"github.com/MGallo-Code/gatekeeper/internal/identity"
	"github.com/MGallo-Code/gatekeeper/internal/oauth"
	"github.com/MGallo-Code/gatekeeper/internal/session"
	"github.com/MGallo-Code/gatekeeper/internal/store"
	"github.com/MGallo-Code/gatekeeper/internal/testutil"
	"github.com/gofrs/uuid/v5"
)

// testEnv is an AuthHandler wired to in-memory fakes.
type testEnv struct {
	h      *AuthHandler
	ms     *testutil.MemStore
	mailer *testutil.MockMailer
	spy    *testutil.SpyVerifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := testutil.NewMemStore()
	spy := testutil.NewSpyVerifier(testutil.CheapHasher())
	mailer := &testutil.MockMailer{}
	h := &AuthHandler{
		PS:             ms,
		SM:             session.NewManager(ms, 0),
		IR:             identity.NewResolver(ms, spy),
		AL:             audit.NewLogger(ms),
		PH:             spy,
		ML:             mailer,
		OAuthProviders: map[string]oauth.Provider{},
	}
	return &testEnv{h: h, ms: ms, mailer: mailer, spy: spy}
}

// addUser inserts a live user. An empty password leaves the account OAuth-only.
func (e *testEnv) addUser(t *testing.T, email, password string) *store.User {
	t.Helper()
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("uuid: %v", err)
	}
	username := strings.Split(email, "@")[0] + "-" + id.String()[:8]
	u := &store.User{ID: id, Email: email, Username: &username, Role: store.RoleUser}
	if password != "" {
		hash, err := testutil.CheapHasher().Hash(password)
		if err != nil {
			t.Fatalf("hashing: %v", err)
		}
		u.PasswordHash = &hash
	}
	if err := e.ms.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	return u
}

// signIn issues a session for u directly through the manager.
func (e *testEnv) signIn(t *testing.T, u *store.User) *session.Issued {
	t.Helper()
	issued, err := e.h.SM.Create(context.Background(),
		session.Identity{UserID: u.ID, Email: u.Email, Role: u.Role},
		session.ClientInfo{IP: "192.0.2.1", UserAgent: "test"}, 0)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	return issued
}

// authed attaches the session cookie and CSRF header for issued.
func (e *testEnv) authed(r *http.Request, issued *session.Issued) *http.Request {
	r.AddCookie(&http.Cookie{Name: e.h.Cookie.SessionCookieName(), Value: issued.Token})
	r.Header.Set(CSRFHeader, issued.CSRFToken)
	return r
}

// serve runs r through Identify, then next.
func (e *testEnv) serve(next http.HandlerFunc, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.h.Identify(next).ServeHTTP(w, r)
	return w
}

func jsonRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// --- assertions ---

// assertMessage checks status and the exact {"message":...} body.
func assertMessage(t *testing.T, w *httptest.ResponseRecorder, status int, msg string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("status: expected %d, got %d (body %q)", status, w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	expected := fmt.Sprintf(`{"message":"%s"}`, msg)
	if got := w.Body.String(); got != expected {
		t.Errorf("body: expected %q, got %q", expected, got)
	}
}

func assertBadRequest(t *testing.T, w *httptest.ResponseRecorder, msg string) {
	t.Helper()
	assertMessage(t, w, http.StatusBadRequest, msg)
}

func assertUnauthorized(t *testing.T, w *httptest.ResponseRecorder, msg string) {
	t.Helper()
	assertMessage(t, w, http.StatusUnauthorized, msg)
}

func assertForbidden(t *testing.T, w *httptest.ResponseRecorder, msg string) {
	t.Helper()
	assertMessage(t, w, http.StatusForbidden, msg)
}

func assertInternalServerError(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	assertMessage(t, w, http.StatusInternalServerError, "internal server error")
}

// sessionResponse is the body written by writeSession.
type sessionResponse struct {
	UserID    string `json:"user_id"`
	CSRFToken string `json:"csrf_token"`
}

// assertSessionIssued checks status, the session cookie, the CSRF header and body, and
// returns the issued cookie.
func assertSessionIssued(t *testing.T, e *testEnv, w *httptest.ResponseRecorder, status int) (*http.Cookie, sessionResponse) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status: expected %d, got %d (body %q)", status, w.Code, w.Body.String())
	}
	var body sessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.UserID == "" || body.CSRFToken == "" {
		t.Errorf("body: expected user_id and csrf_token, got %+v", body)
	}
	if got := w.Header().Get(CSRFHeader); got != body.CSRFToken {
		t.Errorf("%s header: expected %q, got %q", CSRFHeader, body.CSRFToken, got)
	}
	c := findCookie(w, e.h.Cookie.SessionCookieName())
	if c == nil {
		t.Fatal("expected session cookie")
	}
	if !c.HttpOnly {
		t.Error("session cookie must be HttpOnly")
	}
	if strings.Contains(c.Value, body.CSRFToken) {
		t.Error("session cookie must not carry the csrf token")
	}
	return c, body
}

// assertCookieCleared checks the named cookie was expired.
func assertCookieCleared(t *testing.T, w *httptest.ResponseRecorder, name string) {
	t.Helper()
	c := findCookie(w, name)
	if c == nil {
		t.Fatalf("expected %s cookie to be cleared", name)
	}
	if c.MaxAge >= 0 || c.Value != "" {
		t.Errorf("cookie %s: expected cleared, got MaxAge=%d value=%q", name, c.MaxAge, c.Value)
	}
}

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
