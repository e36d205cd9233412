// stores.go
//
// Stateful in-memory implementation of every store port (session.Store, identity.Store,
// audit.Store, auth.Store). Imported by test files across packages to avoid duplicate fakes.
package testutil

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MGallo-Code/gatekeeper/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// MemStore mirrors PostgresStore semantics over maps: live-row lookups, unique
// constraints reported as *store.ConflictError, pgx.ErrNoRows for misses.
// Use the *Err fields to inject failures; zero value means no error.
type MemStore struct {
	CreateUserErr      error
	GetUserByEmailErr  error
	CreateSessionErr   error
	GetSessionErr      error
	TouchSessionErr    error
	RevokeSessionErr   error
	RevokeAllErr       error
	GetTokenVersionErr error
	CreateAccountErr   error
	InsertAttemptErr   error
	CountAttemptsErr   error
	InsertAuditErr     error
	HealthErr          error

	Users        map[uuid.UUID]*store.User
	Sessions     map[uuid.UUID]*store.Session
	Accounts     map[uuid.UUID]*store.OAuthAccount
	Attempts     []store.LoginAttempt
	AuditEntries []store.AuditEntry
	Tokens       map[string]*store.VerificationToken // keyed by string(tokenHash)
	TouchCount   int
	RevokeCalls  int

	mu sync.Mutex
}

// NewMemStore returns an empty store seeded with users.
func NewMemStore(users ...*store.User) *MemStore {
	m := &MemStore{
		Users:    make(map[uuid.UUID]*store.User),
		Sessions: make(map[uuid.UUID]*store.Session),
		Accounts: make(map[uuid.UUID]*store.OAuthAccount),
		Tokens:   make(map[string]*store.VerificationToken),
	}
	for _, u := range users {
		if u.Role == "" {
			u.Role = store.RoleUser
		}
		m.Users[u.ID] = u
	}
	return m
}

// --- users ---

func (m *MemStore) liveUser(id uuid.UUID) (*store.User, bool) {
	u, ok := m.Users[id]
	if !ok || u.DeletedAt != nil {
		return nil, false
	}
	return u, true
}

func (m *MemStore) checkUserUnique(u *store.User) error {
	for _, other := range m.Users {
		if other.DeletedAt != nil || other.ID == u.ID {
			continue
		}
		if strings.EqualFold(other.Email, u.Email) {
			return &store.ConflictError{Constraint: store.ConstraintUserEmail}
		}
		if u.Username != nil && other.Username != nil && strings.EqualFold(*other.Username, *u.Username) {
			return &store.ConflictError{Constraint: store.ConstraintUserUsername}
		}
	}
	return nil
}

func (m *MemStore) CreateUser(_ context.Context, u *store.User) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertUser(u)
}

func (m *MemStore) insertUser(u *store.User) error {
	if err := m.checkUserUnique(u); err != nil {
		return err
	}
	if u.Role == "" {
		u.Role = store.RoleUser
	}
	now := time.Now()
	cp := *u
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.Users[u.ID] = &cp
	return nil
}

func (m *MemStore) CreateUserWithAccount(_ context.Context, u *store.User, a *store.OAuthAccount) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUserUnique(u); err != nil {
		return err
	}
	if err := m.checkAccountUnique(a); err != nil {
		return err
	}
	if err := m.insertUser(u); err != nil {
		return err
	}
	m.insertAccount(a)
	return nil
}

func (m *MemStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.liveUser(id)
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (m *MemStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.GetUserByEmailErr != nil {
		return nil, m.GetUserByEmailErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.DeletedAt == nil && strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MemStore) GetUserByUsername(_ context.Context, username string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.DeletedAt == nil && u.Username != nil && strings.EqualFold(*u.Username, username) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MemStore) GetTokenVersion(_ context.Context, userID uuid.UUID) (int, error) {
	if m.GetTokenVersionErr != nil {
		return 0, m.GetTokenVersionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.liveUser(userID)
	if !ok {
		return 0, pgx.ErrNoRows
	}
	return u.TokenVersion, nil
}

func (m *MemStore) IncrementTokenVersion(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.liveUser(userID)
	if !ok {
		return 0, pgx.ErrNoRows
	}
	u.TokenVersion++
	return u.TokenVersion, nil
}

func (m *MemStore) UpdatePasswordHash(_ context.Context, userID uuid.UUID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.liveUser(userID)
	if !ok {
		return pgx.ErrNoRows
	}
	u.PasswordHash = &hash
	return nil
}

func (m *MemStore) SetEmailVerified(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.liveUser(userID); ok && u.EmailVerifiedAt == nil {
		now := time.Now()
		u.EmailVerifiedAt = &now
	}
	return nil
}

func (m *MemStore) UpdateProfile(_ context.Context, userID uuid.UUID, username string, passwordHash *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.liveUser(userID)
	if !ok {
		return pgx.ErrNoRows
	}
	probe := &store.User{ID: userID, Username: &username}
	if err := m.checkUserUnique(probe); err != nil {
		return err
	}
	u.Username = &username
	if passwordHash != nil {
		u.PasswordHash = passwordHash
	}
	return nil
}

func (m *MemStore) SoftDeleteUser(_ context.Context, userID uuid.UUID, purgeAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.liveUser(userID)
	if !ok {
		return pgx.ErrNoRows
	}
	now := time.Now()
	u.DeletedAt = &now
	u.PurgeAt = &purgeAt
	u.TokenVersion++
	for _, s := range m.Sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			s.RevokedAt = &now
		}
	}
	for k, t := range m.Tokens {
		if strings.EqualFold(t.Identifier, u.Email) {
			delete(m.Tokens, k)
		}
	}
	for id, a := range m.Accounts {
		if a.UserID == userID {
			delete(m.Accounts, id)
		}
	}
	return nil
}

func (m *MemStore) PurgeDeletedUsers(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, u := range m.Users {
		if u.DeletedAt != nil && u.PurgeAt != nil && !u.PurgeAt.After(now) {
			delete(m.Users, id)
			n++
		}
	}
	return n, nil
}

// --- sessions ---

func (m *MemStore) CreateSession(_ context.Context, s *store.Session) error {
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.CreatedAt = time.Now()
	m.Sessions[s.ID] = &cp
	return nil
}

func (m *MemStore) GetSessionByTokenHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.Sessions {
		if bytes.Equal(s.TokenHash, tokenHash) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MemStore) TouchSession(_ context.Context, id uuid.UUID, at time.Time) error {
	if m.TouchSessionErr != nil {
		return m.TouchSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Sessions[id]; ok && s.RevokedAt == nil {
		s.LastActivityAt = at
		m.TouchCount++
	}
	return nil
}

func (m *MemStore) RevokeSession(_ context.Context, tokenHash []byte) error {
	if m.RevokeSessionErr != nil {
		return m.RevokeSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RevokeCalls++
	for _, s := range m.Sessions {
		if bytes.Equal(s.TokenHash, tokenHash) && s.RevokedAt == nil {
			now := time.Now()
			s.RevokedAt = &now
		}
	}
	return nil
}

func (m *MemStore) RevokeSessionByID(_ context.Context, userID, sessionID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[sessionID]
	if !ok || s.UserID != userID || s.RevokedAt != nil {
		return false, nil
	}
	now := time.Now()
	s.RevokedAt = &now
	return true, nil
}

func (m *MemStore) RevokeAllUserSessions(_ context.Context, userID uuid.UUID) (int64, error) {
	if m.RevokeAllErr != nil {
		return 0, m.RevokeAllErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now()
	for _, s := range m.Sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			s.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (m *MemStore) ListActiveSessions(_ context.Context, userID uuid.UUID, now time.Time) ([]store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.liveUser(userID)
	if !ok {
		return nil, nil
	}
	var out []store.Session
	for _, s := range m.Sessions {
		if s.UserID == userID && s.RevokedAt == nil && now.Before(s.ExpiresAt) && s.TokenVersion == u.TokenVersion {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func (m *MemStore) CleanupExpiredSessions(_ context.Context, retention time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	var n int64
	for id, s := range m.Sessions {
		if s.ExpiresAt.Before(cutoff) || (s.RevokedAt != nil && s.RevokedAt.Before(cutoff)) {
			delete(m.Sessions, id)
			n++
		}
	}
	return n, nil
}

// ActiveSessionCount counts unrevoked sessions held by userID.
func (m *MemStore) ActiveSessionCount(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.Sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			n++
		}
	}
	return n
}

// --- oauth accounts ---

func (m *MemStore) checkAccountUnique(a *store.OAuthAccount) error {
	for _, other := range m.Accounts {
		if other.Provider == a.Provider && other.ProviderAccountID == a.ProviderAccountID {
			return &store.ConflictError{Constraint: store.ConstraintAccountExternal}
		}
		if other.UserID == a.UserID && other.Provider == a.Provider {
			return &store.ConflictError{Constraint: store.ConstraintAccountProvider}
		}
	}
	return nil
}

func (m *MemStore) insertAccount(a *store.OAuthAccount) {
	cp := *a
	cp.CreatedAt = time.Now()
	m.Accounts[a.ID] = &cp
}

func (m *MemStore) CreateOAuthAccount(_ context.Context, a *store.OAuthAccount) error {
	if m.CreateAccountErr != nil {
		return m.CreateAccountErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAccountUnique(a); err != nil {
		return err
	}
	m.insertAccount(a)
	return nil
}

func (m *MemStore) GetOAuthAccount(_ context.Context, provider, providerAccountID string) (*store.OAuthAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.Accounts {
		if a.Provider == provider && a.ProviderAccountID == providerAccountID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MemStore) ListOAuthAccounts(_ context.Context, userID uuid.UUID) ([]store.OAuthAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.OAuthAccount
	for _, a := range m.Accounts {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (m *MemStore) UnlinkOAuthAccount(_ context.Context, userID uuid.UUID, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.liveUser(userID)
	if !ok {
		return pgx.ErrNoRows
	}
	var target uuid.UUID
	others := 0
	for id, a := range m.Accounts {
		if a.UserID != userID {
			continue
		}
		if a.Provider == provider {
			target = id
		} else {
			others++
		}
	}
	if target.IsNil() {
		return pgx.ErrNoRows
	}
	if !u.HasPassword() && others == 0 {
		return store.ErrLastSignInMethod
	}
	delete(m.Accounts, target)
	return nil
}

// AccountCount returns the number of link rows.
func (m *MemStore) AccountCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Accounts)
}

// LiveUserCount returns the number of non-deleted users.
func (m *MemStore) LiveUserCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.Users {
		if u.DeletedAt == nil {
			n++
		}
	}
	return n
}

// --- login attempts / audit ---

func (m *MemStore) InsertLoginAttempt(_ context.Context, a *store.LoginAttempt) error {
	if m.InsertAttemptErr != nil {
		return m.InsertAttemptErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	cp.Email = strings.ToLower(cp.Email)
	m.Attempts = append(m.Attempts, cp)
	return nil
}

func (m *MemStore) CountFailedLoginAttempts(_ context.Context, email, ip string, since time.Time) (int, error) {
	if m.CountAttemptsErr != nil {
		return 0, m.CountAttemptsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.Attempts {
		if a.Success || !strings.EqualFold(a.Email, email) || a.IPAddress != ip || a.CreatedAt.Before(since) {
			continue
		}
		if a.FailureReason != nil && *a.FailureReason == store.FailureLockedOut {
			continue
		}
		n++
	}
	return n, nil
}

func (m *MemStore) ListLoginAttempts(_ context.Context, userID uuid.UUID, email string, since time.Time, limit int) ([]store.LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.LoginAttempt
	for i := len(m.Attempts) - 1; i >= 0 && len(out) < limit; i-- {
		a := m.Attempts[i]
		if !strings.EqualFold(a.Email, email) || a.CreatedAt.Before(since) {
			continue
		}
		if a.UserID != nil && *a.UserID != userID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *MemStore) InsertAuditEntry(_ context.Context, e *store.AuditEntry) error {
	if m.InsertAuditErr != nil {
		return m.InsertAuditErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AuditEntries = append(m.AuditEntries, *e)
	return nil
}

func (m *MemStore) ListAuditEntries(_ context.Context, subject string, limit int) ([]store.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AuditEntry
	for i := len(m.AuditEntries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.AuditEntries[i]
		if e.ActorID == subject || e.TargetID == subject {
			out = append(out, e)
		}
	}
	return out, nil
}

// AuditActions returns the recorded audit actions in insertion order.
func (m *MemStore) AuditActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.AuditEntries))
	for _, e := range m.AuditEntries {
		out = append(out, e.Action)
	}
	return out
}

// --- verification tokens ---

func (m *MemStore) CreateVerificationToken(_ context.Context, t *store.VerificationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, existing := range m.Tokens {
		if existing.Identifier == t.Identifier && existing.Purpose == t.Purpose {
			delete(m.Tokens, k)
		}
	}
	cp := *t
	cp.CreatedAt = time.Now()
	m.Tokens[string(t.TokenHash)] = &cp
	return nil
}

func (m *MemStore) ConsumeVerificationToken(_ context.Context, tokenHash []byte, purpose string, now time.Time) (*store.VerificationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tokens[string(tokenHash)]
	if !ok || t.Purpose != purpose {
		return nil, pgx.ErrNoRows
	}
	delete(m.Tokens, string(tokenHash))
	if !now.Before(t.ExpiresAt) {
		return nil, pgx.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) DeleteExpiredVerificationTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, t := range m.Tokens {
		if !now.Before(t.ExpiresAt) {
			delete(m.Tokens, k)
			n++
		}
	}
	return n, nil
}

// --- health ---

func (m *MemStore) CheckHealth(_ context.Context) error {
	return m.HealthErr
}
