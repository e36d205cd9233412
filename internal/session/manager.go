// Package session implements the session lifecycle: create, validate, revoke, and
// token_version fencing for global logout.
//
// States: Active -> Expired | Revoked -> Gone (cleanup sweep). Expired and revoked are
// terminal for callers; Validate revokes any invalid session it observes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/gatekeeper/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// DefaultTTL is the session lifetime and cookie max-age.
const DefaultTTL = 7 * 24 * time.Hour

// ErrInvalid is matched by every reason Validate rejects a session.
var ErrInvalid = errors.New("session invalid")

var (
	ErrNotFound = fmt.Errorf("%w: not found", ErrInvalid)
	ErrRevoked  = fmt.Errorf("%w: revoked", ErrInvalid)
	ErrExpired  = fmt.Errorf("%w: expired", ErrInvalid)
	// ErrFenced means the owner's token_version moved past the session's snapshot,
	// or the owner no longer exists.
	ErrFenced = fmt.Errorf("%w: token version changed", ErrInvalid)
)

// Store is the persistence port the manager needs.
// Satisfied by *store.PostgresStore, defined here (at consumer) per Go convention.
type Store interface {
	CreateSession(ctx context.Context, s *store.Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error)
	TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error
	RevokeSession(ctx context.Context, tokenHash []byte) error
	RevokeSessionByID(ctx context.Context, userID, sessionID uuid.UUID) (bool, error)
	RevokeAllUserSessions(ctx context.Context, userID uuid.UUID) (int64, error)
	ListActiveSessions(ctx context.Context, userID uuid.UUID, now time.Time) ([]store.Session, error)
	CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int64, error)

	// GetTokenVersion returns pgx.ErrNoRows when the user is missing or deleted.
	GetTokenVersion(ctx context.Context, userID uuid.UUID) (int, error)
	IncrementTokenVersion(ctx context.Context, userID uuid.UUID) (int, error)
}

// Identity is who a session belongs to.
// TokenVersion is optional; when nil, Create reads the current value.
type Identity struct {
	UserID       uuid.UUID
	Email        string
	Role         string
	TokenVersion *int
}

// ClientInfo is request metadata recorded on the session.
type ClientInfo struct {
	IP         string
	UserAgent  string
	AuthMethod string // "password" or provider name
}

// Issued is returned once from Create. Token is the cookie value and is never stored.
type Issued struct {
	SessionID uuid.UUID
	Token     string
	CSRFToken string
	ExpiresAt time.Time
}

// Data is the identity payload of a valid session.
type Data struct {
	SessionID  uuid.UUID
	UserID     uuid.UUID
	Email      string
	Role       string
	CSRFToken  string
	AuthMethod string
	ExpiresAt  time.Time
}

// Manager owns session state transitions. All state lives in Store.
type Manager struct {
	Store Store
	TTL   time.Duration
	Now   func() time.Time
}

// NewManager returns a Manager using ttl (DefaultTTL when zero) and the wall clock.
func NewManager(s Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{Store: s, TTL: ttl, Now: time.Now}
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// Create issues a new session for id. ttl <= 0 uses the manager's TTL.
// The owner's token_version is snapshotted so a later GlobalLogout fences this session.
func (m *Manager) Create(ctx context.Context, id Identity, client ClientInfo, ttl time.Duration) (*Issued, error) {
	if ttl <= 0 {
		ttl = m.TTL
	}

	version := 0
	if id.TokenVersion != nil {
		version = *id.TokenVersion
	} else {
		v, err := m.Store.GetTokenVersion(ctx, id.UserID)
		if err != nil {
			return nil, fmt.Errorf("reading token version: %w", err)
		}
		version = v
	}

	token, tokenHash, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	csrf, err := GenerateCSRFToken()
	if err != nil {
		return nil, err
	}
	sessionID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	now := m.now()
	method := client.AuthMethod
	if method == "" {
		method = "password"
	}
	sess := &store.Session{
		ID:             sessionID,
		UserID:         id.UserID,
		TokenHash:      tokenHash,
		CSRFToken:      csrf,
		TokenVersion:   version,
		Email:          id.Email,
		Role:           id.Role,
		AuthMethod:     method,
		IPAddress:      optional(client.IP),
		UserAgent:      optional(client.UserAgent),
		ExpiresAt:      now.Add(ttl),
		LastActivityAt: now,
	}
	if err := m.Store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	return &Issued{SessionID: sessionID, Token: token, CSRFToken: csrf, ExpiresAt: sess.ExpiresAt}, nil
}

// Validate returns the session's identity payload iff it is not revoked, not expired, and
// its token_version snapshot equals the owner's live value. Any other outcome returns an
// error wrapping ErrInvalid and revokes the session if it was not already.
// Infrastructure failures are returned unwrapped from ErrInvalid.
func (m *Manager) Validate(ctx context.Context, tokenHash []byte) (*Data, error) {
	sess, err := m.Store.GetSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess.RevokedAt != nil {
		return nil, ErrRevoked
	}

	live, err := m.Store.GetTokenVersion(ctx, sess.UserID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, m.invalidate(ctx, sess, ErrFenced)
	case err != nil:
		return nil, fmt.Errorf("loading token version: %w", err)
	case live != sess.TokenVersion:
		return nil, m.invalidate(ctx, sess, ErrFenced)
	}

	now := m.now()
	if !now.Before(sess.ExpiresAt) {
		return nil, m.invalidate(ctx, sess, ErrExpired)
	}

	if err := m.Store.TouchSession(ctx, sess.ID, now); err != nil {
		slog.Warn("failed to refresh session activity", "session_id", sess.ID, "error", err)
	}

	return &Data{
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		Email:      sess.Email,
		Role:       sess.Role,
		CSRFToken:  sess.CSRFToken,
		AuthMethod: sess.AuthMethod,
		ExpiresAt:  sess.ExpiresAt,
	}, nil
}

// invalidate revokes sess and returns reason. A failed revoke is logged; the session is
// still reported invalid.
func (m *Manager) invalidate(ctx context.Context, sess *store.Session, reason error) error {
	if err := m.Store.RevokeSession(ctx, sess.TokenHash); err != nil {
		slog.Warn("failed to revoke invalid session", "session_id", sess.ID, "reason", reason, "error", err)
	}
	return reason
}

// Revoke ends one session. Unknown or already-revoked sessions are a no-op.
func (m *Manager) Revoke(ctx context.Context, tokenHash []byte) error {
	return m.Store.RevokeSession(ctx, tokenHash)
}

// RevokeByID ends one of userID's sessions. Reports false if no such active session exists.
func (m *Manager) RevokeByID(ctx context.Context, userID, sessionID uuid.UUID) (bool, error) {
	return m.Store.RevokeSessionByID(ctx, userID, sessionID)
}

// RevokeAll ends every active session of userID and returns how many were revoked.
func (m *Manager) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	return m.Store.RevokeAllUserSessions(ctx, userID)
}

// GlobalLogout increments userID's token_version, then revokes all sessions.
// The increment alone fences every existing session, so a failed revoke is only logged.
// Returns the new token_version.
func (m *Manager) GlobalLogout(ctx context.Context, userID uuid.UUID) (int, error) {
	v, err := m.Store.IncrementTokenVersion(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("incrementing token version: %w", err)
	}
	if _, err := m.Store.RevokeAllUserSessions(ctx, userID); err != nil {
		slog.Warn("global logout: revoke all failed, sessions remain fenced", "user_id", userID, "error", err)
	}
	return v, nil
}

// ValidateCSRF validates the session and compares presented against its CSRF token.
// An invalid session reports false.
func (m *Manager) ValidateCSRF(ctx context.Context, tokenHash []byte, presented string) (bool, error) {
	data, err := m.Validate(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, ErrInvalid) {
			return false, nil
		}
		return false, err
	}
	return CSRFMatches(data.CSRFToken, presented), nil
}

// List returns userID's active sessions.
func (m *Manager) List(ctx context.Context, userID uuid.UUID) ([]store.Session, error) {
	return m.Store.ListActiveSessions(ctx, userID, m.now())
}

// Sweep deletes sessions that expired or were revoked more than retention ago.
func (m *Manager) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	return m.Store.CleanupExpiredSessions(ctx, retention)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
