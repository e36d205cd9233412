// sessions.go -- sessions table queries.
// Rows are revoked logically (revoked_at); only CleanupExpiredSessions deletes them.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const sessionColumns = `id, user_id, token_hash, csrf_token, token_version, email, role, auth_method,
	ip_address, user_agent, expires_at, last_activity_at, revoked_at, created_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.UserID, &s.TokenHash, &s.CSRFToken, &s.TokenVersion, &s.Email, &s.Role,
		&s.AuthMethod, &s.IPAddress, &s.UserAgent, &s.ExpiresAt, &s.LastActivityAt, &s.RevokedAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession inserts a session row. Caller supplies id, token hash, CSRF token and
// the token_version snapshot.
func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, csrf_token, token_version, email, role, auth_method,
			ip_address, user_agent, expires_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.CSRFToken, sess.TokenVersion, sess.Email, sess.Role,
		sess.AuthMethod, sess.IPAddress, sess.UserAgent, sess.ExpiresAt, sess.LastActivityAt)
	return mapWriteErr("inserting session", err)
}

// GetSessionByTokenHash fetches a session regardless of state; the caller decides validity.
// Returns pgx.ErrNoRows if no row matches.
func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	return scanSession(s.pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE token_hash = $1", tokenHash))
}

// TouchSession records activity. Concurrent touches race; last writer wins.
func (s *PostgresStore) TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE sessions SET last_activity_at = $2 WHERE id = $1 AND revoked_at IS NULL", id, at)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// RevokeSession stamps revoked_at on the session with the given hash.
// Missing or already-revoked sessions are not an error.
func (s *PostgresStore) RevokeSession(ctx context.Context, tokenHash []byte) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE sessions SET revoked_at = now() WHERE token_hash = $1 AND revoked_at IS NULL", tokenHash)
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// RevokeSessionByID revokes one of userID's sessions by id.
// Reports false when no active session with that id belongs to the user.
func (s *PostgresStore) RevokeSessionByID(ctx context.Context, userID, sessionID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		"UPDATE sessions SET revoked_at = now() WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL",
		sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("revoking session by id: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeAllUserSessions revokes every non-revoked session for userID and returns the count.
func (s *PostgresStore) RevokeAllUserSessions(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"UPDATE sessions SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL", userID)
	if err != nil {
		return 0, fmt.Errorf("revoking user sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListActiveSessions returns userID's unrevoked, unexpired sessions, most recent activity first.
// Sessions fenced by a newer token_version are excluded.
func (s *PostgresStore) ListActiveSessions(ctx context.Context, userID uuid.UUID, now time.Time) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.user_id, s.token_hash, s.csrf_token, s.token_version, s.email, s.role, s.auth_method,
			s.ip_address, s.user_agent, s.expires_at, s.last_activity_at, s.revoked_at, s.created_at
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.user_id = $1 AND s.revoked_at IS NULL AND s.expires_at > $2
			AND s.token_version = u.token_version AND u.deleted_at IS NULL
		ORDER BY s.last_activity_at DESC`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// CleanupExpiredSessions deletes sessions that expired or were revoked more than retention ago.
// Returns the number of rows deleted.
func (s *PostgresStore) CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM sessions WHERE expires_at < $1 OR revoked_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
