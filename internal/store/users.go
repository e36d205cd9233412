// users.go -- users table queries.
// Lookups only ever see live rows (deleted_at IS NULL); a soft-deleted account reads as pgx.ErrNoRows.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const userColumns = `id, email, username, password_hash, role, token_version, email_verified_at,
	display_name, avatar_url, created_at, updated_at, deleted_at, purge_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &u.TokenVersion,
		&u.EmailVerifiedAt, &u.DisplayName, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt, &u.DeletedAt, &u.PurgeAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// insertUser is shared by CreateUser and CreateUserWithAccount.
func insertUser(ctx context.Context, q execer, u *User) error {
	_, err := q.Exec(ctx, `
		INSERT INTO users (id, email, username, password_hash, role, email_verified_at, display_name, avatar_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Email, u.Username, u.PasswordHash, u.Role, u.EmailVerifiedAt, u.DisplayName, u.AvatarURL)
	return mapWriteErr("inserting user", err)
}

// CreateUser inserts a new user. Caller generates the UUID v7 and password hash.
// Email/username collisions return *ConflictError naming the violated index.
func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	if u.Role == "" {
		u.Role = RoleUser
	}
	return insertUser(ctx, s.pool, u)
}

// CreateUserWithAccount inserts a user and its first OAuth link in one transaction.
// Either both rows exist afterwards or neither does.
func (s *PostgresStore) CreateUserWithAccount(ctx context.Context, u *User, a *OAuthAccount) error {
	if u.Role == "" {
		u.Role = RoleUser
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := insertUser(ctx, tx, u); err != nil {
			return err
		}
		return insertAccount(ctx, tx, a)
	})
}

// GetUserByID fetches a live user by id. Returns pgx.ErrNoRows if missing or deleted.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1 AND deleted_at IS NULL", id))
}

// GetUserByEmail fetches a live user by case-insensitive email.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE lower(email) = lower($1) AND deleted_at IS NULL", email))
}

// GetUserByUsername fetches a live user by case-insensitive username.
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE lower(username) = lower($1) AND deleted_at IS NULL", username))
}

// GetTokenVersion returns the live token_version for a user.
// Returns pgx.ErrNoRows for missing or deleted users.
func (s *PostgresStore) GetTokenVersion(ctx context.Context, userID uuid.UUID) (int, error) {
	var v int
	err := s.pool.QueryRow(ctx,
		"SELECT token_version FROM users WHERE id = $1 AND deleted_at IS NULL", userID).Scan(&v)
	return v, err
}

// IncrementTokenVersion bumps token_version in a single UPDATE and returns the new value.
// Concurrent callers each observe a distinct value.
func (s *PostgresStore) IncrementTokenVersion(ctx context.Context, userID uuid.UUID) (int, error) {
	var v int
	err := s.pool.QueryRow(ctx, `
		UPDATE users SET token_version = token_version + 1, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING token_version`, userID).Scan(&v)
	return v, err
}

// UpdatePasswordHash replaces the stored hash. Returns pgx.ErrNoRows if the user is gone.
func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, userID uuid.UUID, hash string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL",
		userID, hash)
	if err != nil {
		return fmt.Errorf("updating password hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SetEmailVerified stamps email_verified_at once; later calls keep the first timestamp.
func (s *PostgresStore) SetEmailVerified(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET email_verified_at = COALESCE(email_verified_at, now()), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, userID)
	if err != nil {
		return fmt.Errorf("setting email verified: %w", err)
	}
	return nil
}

// UpdateProfile sets the username, and the password hash when passwordHash is non-nil.
// Username collisions return *ConflictError.
func (s *PostgresStore) UpdateProfile(ctx context.Context, userID uuid.UUID, username string, passwordHash *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET username = $2, password_hash = COALESCE($3, password_hash), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, userID, username, passwordHash)
	if err != nil {
		return mapWriteErr("updating profile", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SoftDeleteUser marks the user deleted and schedules a purge. In the same transaction it
// bumps token_version, revokes every session, removes OAuth links and drops pending
// verification and reset tokens for the email, so nothing issued before the deletion
// validates afterwards. Returns pgx.ErrNoRows if already deleted.
func (s *PostgresStore) SoftDeleteUser(ctx context.Context, userID uuid.UUID, purgeAt time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var email string
		err := tx.QueryRow(ctx, `
			UPDATE users SET deleted_at = now(), purge_at = $2,
				token_version = token_version + 1, updated_at = now()
			WHERE id = $1 AND deleted_at IS NULL
			RETURNING email`, userID, purgeAt).Scan(&email)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return pgx.ErrNoRows
			}
			return fmt.Errorf("soft deleting user: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"DELETE FROM verification_tokens WHERE lower(identifier) = lower($1)", email); err != nil {
			return fmt.Errorf("deleting verification tokens on delete: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"UPDATE sessions SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL", userID); err != nil {
			return fmt.Errorf("revoking sessions on delete: %w", err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM oauth_accounts WHERE user_id = $1", userID); err != nil {
			return fmt.Errorf("deleting oauth accounts on delete: %w", err)
		}
		return nil
	})
}

// PurgeDeletedUsers physically removes soft-deleted users whose purge time has passed.
// Sessions cascade. Returns the number of users removed.
func (s *PostgresStore) PurgeDeletedUsers(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM users WHERE deleted_at IS NOT NULL AND purge_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("purging deleted users: %w", err)
	}
	return tag.RowsAffected(), nil
}
