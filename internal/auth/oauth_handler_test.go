// oauth_handler_test.go

// unit tests for OAuthRedirect, OAuthCallback, ListOAuthAccounts and UnlinkOAuthAccount.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"testing"

	"github.com/MGallo-Code/gatekeeper/internal/oauth"
	"github.com/MGallo-Code/gatekeeper/internal/session"
	"github.com/MGallo-Code/gatekeeper/internal/store"
	"github.com/MGallo-Code/gatekeeper/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
)

func newFakeGitHub() *testutil.FakeProvider {
	return &testutil.FakeProvider{
		ProviderName: "github",
		Profile:      &oauth.Profile{ExternalID: "gh-42", Email: "a@x.com", EmailVerified: true},
	}
}

// withProviderParam sets the chi {provider} URL param the way the router would.
func withProviderParam(r *http.Request, name string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("provider", name)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// startOAuth runs OAuthRedirect and returns the state cookie and the state and challenge
// sent to the provider.
func startOAuth(t *testing.T, e *testEnv, provider string) (*http.Cookie, string, string) {
	t.Helper()
	w := httptest.NewRecorder()
	e.h.OAuthRedirect(w, withProviderParam(httptest.NewRequest(http.MethodGet, "/oauth/"+provider, nil), provider))
	if w.Code != http.StatusFound {
		t.Fatalf("redirect: expected 302, got %d", w.Code)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing Location: %v", err)
	}
	c := findCookie(w, e.h.Cookie.oauthStateCookieName())
	if c == nil {
		t.Fatal("expected oauth state cookie")
	}
	return c, loc.Query().Get("state"), loc.Query().Get("code_challenge")
}

func callbackRequest(e *testEnv, provider string, stateCookie *http.Cookie, query string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/oauth/"+provider+"/callback?"+query, nil)
	if stateCookie != nil {
		r.AddCookie(stateCookie)
	}
	return withProviderParam(r, provider)
}

func TestOAuthRedirect(t *testing.T) {
	e := newTestEnv(t)
	e.h.OAuthProviders["github"] = newFakeGitHub()

	c, state, challenge := startOAuth(t, e, "github")
	if state == "" || challenge == "" {
		t.Fatalf("expected state and code_challenge in redirect, got %q / %q", state, challenge)
	}
	if !c.HttpOnly || c.MaxAge != oauthStateMaxAge {
		t.Errorf("state cookie: expected HttpOnly with MaxAge %d, got %+v", oauthStateMaxAge, c)
	}

	t.Run("unknown provider is 404", func(t *testing.T) {
		w := httptest.NewRecorder()
		e.h.OAuthRedirect(w, withProviderParam(httptest.NewRequest(http.MethodGet, "/oauth/nope", nil), "nope"))
		assertMessage(t, w, http.StatusNotFound, "unknown provider")
	})
}

func TestOAuthCallback(t *testing.T) {
	t.Run("new identity creates user with strict session", func(t *testing.T) {
		e := newTestEnv(t)
		gh := newFakeGitHub()
		e.h.OAuthProviders["github"] = gh
		c, state, challenge := startOAuth(t, e, "github")

		w := httptest.NewRecorder()
		e.h.Identify(http.HandlerFunc(e.h.OAuthCallback)).ServeHTTP(w,
			callbackRequest(e, "github", c, "state="+url.QueryEscape(state)+"&code=abc"))

		sc, body := assertSessionIssued(t, e, w, http.StatusOK)
		if sc.SameSite != http.SameSiteStrictMode {
			t.Errorf("SameSite: expected Strict for oauth sessions, got %v", sc.SameSite)
		}
		assertCookieCleared(t, w, e.h.Cookie.oauthStateCookieName())

		code, verifier := gh.Got()
		sum := sha256.Sum256([]byte(verifier))
		if code != "abc" || base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
			t.Errorf("exchange must receive the code and the verifier matching the challenge")
		}
		if e.ms.AccountCount() != 1 || e.ms.LiveUserCount() != 1 {
			t.Errorf("expected 1 user and 1 link, got %d / %d", e.ms.LiveUserCount(), e.ms.AccountCount())
		}
		if !slices.Contains(e.ms.AuditActions(), "oauth.register") {
			t.Errorf("expected oauth.register audit entry, got %v", e.ms.AuditActions())
		}
		u, _ := e.ms.GetUserByEmail(context.Background(), "a@x.com")
		if u.ID.String() != body.UserID {
			t.Errorf("user_id: expected %s, got %s", u.ID, body.UserID)
		}
	})

	t.Run("existing email account gets linked", func(t *testing.T) {
		e := newTestEnv(t)
		e.h.OAuthProviders["github"] = newFakeGitHub()
		u := e.addUser(t, "a@x.com", "password-one")
		c, state, _ := startOAuth(t, e, "github")

		w := httptest.NewRecorder()
		e.h.OAuthCallback(w, callbackRequest(e, "github", c, "state="+url.QueryEscape(state)+"&code=abc"))

		_, body := assertSessionIssued(t, e, w, http.StatusOK)
		if body.UserID != u.ID.String() {
			t.Errorf("expected sign-in as existing user %s, got %s", u.ID, body.UserID)
		}
		if e.ms.LiveUserCount() != 1 {
			t.Errorf("expected no new user, got %d", e.ms.LiveUserCount())
		}
		if !slices.Contains(e.ms.AuditActions(), "oauth.link") {
			t.Errorf("expected oauth.link audit entry, got %v", e.ms.AuditActions())
		}
	})

	t.Run("signed-in caller links identity", func(t *testing.T) {
		e := newTestEnv(t)
		gh := newFakeGitHub()
		gh.Profile.Email = "other@x.com"
		e.h.OAuthProviders["github"] = gh
		u := e.addUser(t, "a@x.com", "password-one")
		issued := e.signIn(t, u)
		c, state, _ := startOAuth(t, e, "github")

		r := e.authed(callbackRequest(e, "github", c, "state="+url.QueryEscape(state)+"&code=abc"), issued)
		w := e.serve(e.h.OAuthCallback, r)

		assertMessage(t, w, http.StatusOK, "linked")
		accounts, _ := e.ms.ListOAuthAccounts(context.Background(), u.ID)
		if len(accounts) != 1 || accounts[0].Provider != "github" {
			t.Errorf("expected github link on %s, got %+v", u.ID, accounts)
		}
	})

	t.Run("identity linked to someone else is 409", func(t *testing.T) {
		e := newTestEnv(t)
		e.h.OAuthProviders["github"] = newFakeGitHub()
		owner := e.addUser(t, "a@x.com", "password-one")
		linkAccount(t, e, owner.ID, "github", "gh-42")
		other := e.addUser(t, "b@x.com", "password-one")
		c, state, _ := startOAuth(t, e, "github")

		r := e.authed(callbackRequest(e, "github", c, "state="+url.QueryEscape(state)+"&code=abc"), e.signIn(t, other))
		w := e.serve(e.h.OAuthCallback, r)
		if w.Code != http.StatusConflict {
			t.Errorf("status: expected 409, got %d", w.Code)
		}
	})

	failures := []struct {
		name   string
		mutate func(gh *testutil.FakeProvider)
		query  func(state string) string
		cookie bool
		status int
		msg    string
	}{
		{
			name:   "missing state cookie",
			query:  func(s string) string { return "state=" + url.QueryEscape(s) + "&code=abc" },
			status: http.StatusBadRequest, msg: "missing oauth state",
		},
		{
			name:   "missing state param",
			query:  func(string) string { return "code=abc" },
			cookie: true,
			status: http.StatusBadRequest, msg: "missing oauth state",
		},
		{
			name:   "state mismatch",
			query:  func(string) string { return "state=forged&code=abc" },
			cookie: true,
			status: http.StatusUnauthorized, msg: "invalid oauth state",
		},
		{
			name:   "missing code",
			query:  func(s string) string { return "state=" + url.QueryEscape(s) + "&error=access_denied" },
			cookie: true,
			status: http.StatusUnauthorized, msg: "oauth authentication failed",
		},
		{
			name: "exchange rejected",
			mutate: func(gh *testutil.FakeProvider) {
				gh.ExchangeErr = &oauth.ExchangeError{Provider: "github", Status: 400, Err: errBadCode}
			},
			query:  func(s string) string { return "state=" + url.QueryEscape(s) + "&code=abc" },
			cookie: true,
			status: http.StatusUnauthorized, msg: "oauth authentication failed",
		},
		{
			name: "exchange timeout",
			mutate: func(gh *testutil.FakeProvider) {
				gh.ExchangeErr = &oauth.ExchangeError{Provider: "github", Err: context.DeadlineExceeded}
			},
			query:  func(s string) string { return "state=" + url.QueryEscape(s) + "&code=abc" },
			cookie: true,
			status: http.StatusInternalServerError, msg: "internal server error",
		},
		{
			name: "provider error status",
			mutate: func(gh *testutil.FakeProvider) {
				gh.ExchangeErr = &oauth.ExchangeError{Provider: "github", Status: 503, Body: "upstream down", Err: errUpstream}
			},
			query:  func(s string) string { return "state=" + url.QueryEscape(s) + "&code=abc" },
			cookie: true,
			status: http.StatusInternalServerError, msg: "internal server error",
		},
		{
			name: "provider unreachable",
			mutate: func(gh *testutil.FakeProvider) {
				gh.ExchangeErr = &oauth.ExchangeError{Provider: "github", Err: errUpstream}
			},
			query:  func(s string) string { return "state=" + url.QueryEscape(s) + "&code=abc" },
			cookie: true,
			status: http.StatusInternalServerError, msg: "internal server error",
		},
		{
			name: "profile fetch fails upstream",
			mutate: func(gh *testutil.FakeProvider) {
				gh.ProfileErr = &oauth.ExchangeError{Provider: "github", Status: 502, Err: errUpstream}
			},
			query:  func(s string) string { return "state=" + url.QueryEscape(s) + "&code=abc" },
			cookie: true,
			status: http.StatusInternalServerError, msg: "internal server error",
		},
		{
			name:   "no verified email at provider",
			mutate: func(gh *testutil.FakeProvider) { gh.ProfileErr = oauth.ErrNoVerifiedEmail },
			query:  func(s string) string { return "state=" + url.QueryEscape(s) + "&code=abc" },
			cookie: true,
			status: http.StatusForbidden, msg: "no verified email",
		},
		{
			name:   "unverified profile email",
			mutate: func(gh *testutil.FakeProvider) { gh.Profile.EmailVerified = false },
			query:  func(s string) string { return "state=" + url.QueryEscape(s) + "&code=abc" },
			cookie: true,
			status: http.StatusForbidden, msg: "provider email not verified",
		},
	}
	for _, tc := range failures {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t)
			gh := newFakeGitHub()
			if tc.mutate != nil {
				tc.mutate(gh)
			}
			e.h.OAuthProviders["github"] = gh
			c, state, _ := startOAuth(t, e, "github")
			if !tc.cookie {
				c = nil
			}

			w := httptest.NewRecorder()
			e.h.OAuthCallback(w, callbackRequest(e, "github", c, tc.query(state)))

			assertMessage(t, w, tc.status, tc.msg)
			if e.ms.LiveUserCount() != 0 {
				t.Error("failed callback must not create a user")
			}
		})
	}
}

var (
	errBadCode  = errors.New("bad_verification_code")
	errUpstream = errors.New("upstream unavailable")
)

// linkAccount inserts a provider link directly.
func linkAccount(t *testing.T, e *testEnv, userID uuid.UUID, provider, externalID string) {
	t.Helper()
	id, _ := uuid.NewV7()
	if err := e.ms.CreateOAuthAccount(context.Background(), &store.OAuthAccount{
		ID: id, UserID: userID, Provider: provider, ProviderAccountID: externalID,
	}); err != nil {
		t.Fatalf("linking: %v", err)
	}
}

func TestListOAuthAccounts(t *testing.T) {
	e := newTestEnv(t)
	u := e.addUser(t, "a@x.com", "password-one")
	linkAccount(t, e, u.ID, "github", "gh-42")
	token := "secret-access-token"
	e.ms.Accounts[firstAccountID(e)].AccessToken = &token

	w := e.serve(e.h.ListOAuthAccounts,
		e.authed(httptest.NewRequest(http.MethodGet, "/me/oauth/accounts", nil), e.signIn(t, u)))

	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}
	var body struct {
		Accounts []struct {
			Provider string `json:"provider"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(body.Accounts) != 1 || body.Accounts[0].Provider != "github" {
		t.Errorf("expected github account, got %+v", body.Accounts)
	}
	if strings.Contains(w.Body.String(), token) {
		t.Error("provider tokens must not be exposed")
	}
}

func firstAccountID(e *testEnv) uuid.UUID {
	for id := range e.ms.Accounts {
		return id
	}
	return uuid.Nil
}

func TestUnlinkOAuthAccount(t *testing.T) {
	unlink := func(e *testEnv, issued *session.Issued, provider string) *httptest.ResponseRecorder {
		r := e.authed(httptest.NewRequest(http.MethodDelete, "/me/oauth/accounts/"+provider, nil), issued)
		return e.serve(e.h.UnlinkOAuthAccount, withProviderParam(r, provider))
	}

	t.Run("with password set", func(t *testing.T) {
		e := newTestEnv(t)
		u := e.addUser(t, "a@x.com", "password-one")
		linkAccount(t, e, u.ID, "github", "gh-42")
		w := unlink(e, e.signIn(t, u), "github")
		assertMessage(t, w, http.StatusOK, "unlinked")
		if e.ms.AccountCount() != 0 {
			t.Error("expected link removed")
		}
	})

	t.Run("last sign-in method is refused without mutation", func(t *testing.T) {
		e := newTestEnv(t)
		u := e.addUser(t, "a@x.com", "")
		linkAccount(t, e, u.ID, "github", "gh-42")
		w := unlink(e, e.signIn(t, u), "github")
		assertMessage(t, w, http.StatusConflict, "cannot unlink last sign-in method")
		if e.ms.AccountCount() != 1 {
			t.Error("refused unlink must not mutate")
		}
	})

	t.Run("not linked is 404", func(t *testing.T) {
		e := newTestEnv(t)
		u := e.addUser(t, "a@x.com", "password-one")
		assertMessage(t, unlink(e, e.signIn(t, u), "github"), http.StatusNotFound, "provider not linked")
	})
}
