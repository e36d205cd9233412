// fakes.go
//
// Test doubles for the non-store ports: mailer, rate limiter, password verifier, OAuth provider.
package testutil

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/MGallo-Code/gatekeeper/internal/credential"
	"github.com/MGallo-Code/gatekeeper/internal/oauth"
	"github.com/MGallo-Code/gatekeeper/internal/ratelimit"
)

// CheapHasher returns an Argon2id hasher with minimal cost so tests stay fast.
func CheapHasher() *credential.Hasher {
	return &credential.Hasher{Time: 1, Memory: 64, Threads: 1, SaltLen: 16, KeyLen: 32}
}

// --- mailer ---

// SentMail is one message captured by MockMailer.
type SentMail struct {
	Type      string // "verification", "reset" or "alert"
	To        string
	Token     string
	Kind      string
	ExpiresIn time.Duration
}

// MockMailer records every send. Err, when set, is returned from every method.
type MockMailer struct {
	Err error

	mu   sync.Mutex
	sent []SentMail
}

func (m *MockMailer) record(s SentMail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, s)
	return m.Err
}

func (m *MockMailer) SendEmailVerification(_ context.Context, to, token string, expiresIn time.Duration, _ map[string]string) error {
	return m.record(SentMail{Type: "verification", To: to, Token: token, ExpiresIn: expiresIn})
}

func (m *MockMailer) SendPasswordReset(_ context.Context, to, token string, expiresIn time.Duration, _ map[string]string) error {
	return m.record(SentMail{Type: "reset", To: to, Token: token, ExpiresIn: expiresIn})
}

func (m *MockMailer) SendSecurityAlert(_ context.Context, to, kind string, _ map[string]string) error {
	return m.record(SentMail{Type: "alert", To: to, Kind: kind})
}

// Last returns the most recent message of typ.
func (m *MockMailer) Last(typ string) (SentMail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].Type == typ {
			return m.sent[i], true
		}
	}
	return SentMail{}, false
}

// Count returns how many messages of typ were sent.
func (m *MockMailer) Count(typ string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sent {
		if s.Type == typ {
			n++
		}
	}
	return n
}

// --- rate limiter ---

type memWindow struct {
	count int64
	reset time.Time
}

// MemLimiter is a fixed-window ratelimit.Limiter over a map.
// Err, when set, makes Allow fail open the way RedisLimiter does.
type MemLimiter struct {
	Err error
	Now func() time.Time

	mu      sync.Mutex
	windows map[string]*memWindow
	keys    []string
}

func NewMemLimiter() *MemLimiter {
	return &MemLimiter{windows: make(map[string]*memWindow)}
}

func (l *MemLimiter) Allow(_ context.Context, key string, p ratelimit.Policy) (ratelimit.Result, error) {
	if l.Err != nil {
		return ratelimit.Result{Allowed: true}, l.Err
	}
	now := time.Now()
	if l.Now != nil {
		now = l.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.windows == nil {
		l.windows = make(map[string]*memWindow)
	}
	l.keys = append(l.keys, key)
	w, ok := l.windows[key]
	if !ok || !now.Before(w.reset) {
		w = &memWindow{reset: now.Add(p.Window)}
		l.windows[key] = w
	}
	w.count++
	return ratelimit.Result{
		Allowed:    w.count <= int64(p.Limit),
		Count:      w.count,
		RetryAfter: p.Window,
	}, nil
}

// Keys returns every key Allow was called with, in order.
func (l *MemLimiter) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.keys...)
}

// --- password verifier ---

// SpyVerifier wraps a credential.Verifier and counts Verify calls.
type SpyVerifier struct {
	Inner credential.Verifier

	mu          sync.Mutex
	verifyCalls int
}

func NewSpyVerifier(inner credential.Verifier) *SpyVerifier {
	return &SpyVerifier{Inner: inner}
}

func (s *SpyVerifier) Hash(password string) (string, error) {
	return s.Inner.Hash(password)
}

func (s *SpyVerifier) Verify(password, encoded string) (bool, error) {
	s.mu.Lock()
	s.verifyCalls++
	s.mu.Unlock()
	return s.Inner.Verify(password, encoded)
}

func (s *SpyVerifier) NeedsRehash(encoded string) bool {
	return s.Inner.NeedsRehash(encoded)
}

// VerifyCalls returns how many times Verify ran.
func (s *SpyVerifier) VerifyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyCalls
}

// --- oauth provider ---

// FakeProvider is an oauth.Provider returning a canned profile.
type FakeProvider struct {
	ProviderName string
	Profile      *oauth.Profile
	ExchangeErr  error
	ProfileErr   error

	mu          sync.Mutex
	gotCode     string
	gotVerifier string
}

func (f *FakeProvider) Name() string { return f.ProviderName }

func (f *FakeProvider) AuthCodeURL(state, codeChallenge string) string {
	return "https://provider.test/authorize?state=" + url.QueryEscape(state) +
		"&code_challenge=" + url.QueryEscape(codeChallenge) + "&code_challenge_method=S256"
}

func (f *FakeProvider) Exchange(_ context.Context, code, verifier string) (*oauth.Tokens, error) {
	f.mu.Lock()
	f.gotCode, f.gotVerifier = code, verifier
	f.mu.Unlock()
	if f.ExchangeErr != nil {
		return nil, f.ExchangeErr
	}
	return &oauth.Tokens{AccessToken: "access-" + code}, nil
}

func (f *FakeProvider) FetchProfile(_ context.Context, _ *oauth.Tokens) (*oauth.Profile, error) {
	if f.ProfileErr != nil {
		return nil, f.ProfileErr
	}
	cp := *f.Profile
	return &cp, nil
}

// Got returns the code and PKCE verifier passed to the last Exchange.
func (f *FakeProvider) Got() (code, verifier string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotCode, f.gotVerifier
}
