// models.go -- Shared domain types for the store package.
// Rows are returned by PostgresStore and mirrored by the in-memory fakes in testutil.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrConflict is matched (errors.Is) by every *ConflictError.
// Callers use it to tell a unique violation apart from infrastructure failures.
var ErrConflict = errors.New("unique constraint violation")

// ErrLastSignInMethod is returned by UnlinkOAuthAccount when removing the link would leave
// the user with no password and no other provider. Nothing is mutated in that case.
var ErrLastSignInMethod = errors.New("cannot unlink last sign-in method")

// Unique constraint names, matched against ConflictError.Constraint.
const (
	ConstraintUserEmail       = "users_email_live_key"
	ConstraintUserUsername    = "users_username_live_key"
	ConstraintAccountExternal = "oauth_accounts_provider_account_key"
	ConstraintAccountProvider = "oauth_accounts_user_provider_key"
)

// ConflictError reports which unique constraint rejected a write.
type ConflictError struct {
	Constraint string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unique constraint violation: %s", e.Constraint)
}

// Is lets errors.Is(err, ErrConflict) match regardless of constraint.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Roles stored in users.role.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents a live row in the users table.
// Nullable columns are pointers, nil means SQL NULL.
type User struct {
	ID              uuid.UUID
	Email           string
	Username        *string
	PasswordHash    *string
	Role            string
	TokenVersion    int
	EmailVerifiedAt *time.Time
	DisplayName     *string
	AvatarURL       *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
	PurgeAt         *time.Time
}

// HasPassword reports whether the user can sign in with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// Session represents a row in the sessions table.
// TokenHash is SHA-256 of the cookie token; the raw token is never stored.
// TokenVersion is the owner's token_version at creation time.
type Session struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	TokenHash      []byte
	CSRFToken      string
	TokenVersion   int
	Email          string
	Role           string
	AuthMethod     string // "password" or a provider name
	IPAddress      *string
	UserAgent      *string
	ExpiresAt      time.Time
	LastActivityAt time.Time
	RevokedAt      *time.Time
	CreatedAt      time.Time
}

// OAuthAccount links one provider identity to one user.
// (Provider, ProviderAccountID) is globally unique; (UserID, Provider) is unique per user.
type OAuthAccount struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	Provider          string
	ProviderAccountID string
	AccessToken       *string
	RefreshToken      *string
	ExpiresAt         *time.Time
	CreatedAt         time.Time
}

// LoginAttempt is an append-only row in login_attempts.
// UserID is nil when the email matched no account.
type LoginAttempt struct {
	ID            uuid.UUID
	Email         string
	IPAddress     string
	UserAgent     string
	Success       bool
	UserID        *uuid.UUID
	FailureReason *string
	CreatedAt     time.Time
}

// AuditEntry is an append-only row in audit_entries.
// ActorID is a user id, or "system" for automatic actions such as lockouts.
// Metadata is an optional raw JSON object.
type AuditEntry struct {
	ID         uuid.UUID
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	IPAddress  *string
	UserAgent  *string
	Success    bool
	Metadata   []byte
	CreatedAt  time.Time
}

// Verification token purposes, constrained by a CHECK in the schema.
const (
	PurposeEmailVerification = "email_verification"
	PurposePasswordReset     = "password_reset"
)

// VerificationToken is a single-use token row. Identifier is the email it was issued for.
// Rows are deleted when consumed, so a second confirmation finds nothing.
type VerificationToken struct {
	ID         uuid.UUID
	Identifier string
	TokenHash  []byte
	Purpose    string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}
