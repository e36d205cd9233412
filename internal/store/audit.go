// audit.go -- login_attempts and audit_entries queries.
// Both tables are append-only from the application's point of view.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// FailureLockedOut is the failure_reason recorded for attempts rejected by a lockout.
// Those rows are excluded from failure counts so a lockout does not extend itself.
const FailureLockedOut = "locked_out"

// InsertLoginAttempt appends a login attempt row.
func (s *PostgresStore) InsertLoginAttempt(ctx context.Context, a *LoginAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO login_attempts (id, email, ip_address, user_agent, success, user_id, failure_reason, created_at)
		VALUES ($1, lower($2), $3, $4, $5, $6, $7, $8)`,
		a.ID, a.Email, a.IPAddress, a.UserAgent, a.Success, a.UserID, a.FailureReason, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting login attempt: %w", err)
	}
	return nil
}

// CountFailedLoginAttempts counts failed attempts for (email, ip) at or after since,
// not counting attempts that were themselves rejected by a lockout.
func (s *PostgresStore) CountFailedLoginAttempts(ctx context.Context, email, ip string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM login_attempts
		WHERE lower(email) = lower($1) AND ip_address = $2 AND NOT success AND created_at >= $3
			AND failure_reason IS DISTINCT FROM $4`,
		email, ip, since, FailureLockedOut).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting failed login attempts: %w", err)
	}
	return n, nil
}

// ListLoginAttempts returns the newest attempts for email made at or after since, up to limit.
// Attempts tied to another user id are skipped; an email freed by a deleted account keeps
// the old owner's history out of the new owner's view.
func (s *PostgresStore) ListLoginAttempts(ctx context.Context, userID uuid.UUID, email string, since time.Time, limit int) ([]LoginAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email, ip_address, user_agent, success, user_id, failure_reason, created_at
		FROM login_attempts
		WHERE lower(email) = lower($1) AND created_at >= $2 AND (user_id IS NULL OR user_id = $3)
		ORDER BY created_at DESC LIMIT $4`, email, since, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing login attempts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (LoginAttempt, error) {
		var a LoginAttempt
		err := row.Scan(&a.ID, &a.Email, &a.IPAddress, &a.UserAgent, &a.Success, &a.UserID, &a.FailureReason, &a.CreatedAt)
		return a, err
	})
}

// InsertAuditEntry appends a sensitive-operation row.
func (s *PostgresStore) InsertAuditEntry(ctx context.Context, e *AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries (id, actor_id, action, target_type, target_id, ip_address, user_agent, success, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.ActorID, e.Action, e.TargetType, e.TargetID, e.IPAddress, e.UserAgent, e.Success, e.Metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns the newest entries where subject is the actor or the target, up to limit.
func (s *PostgresStore) ListAuditEntries(ctx context.Context, subject string, limit int) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, actor_id, action, target_type, target_id, ip_address, user_agent, success, metadata, created_at
		FROM audit_entries WHERE actor_id = $1 OR target_id = $1
		ORDER BY created_at DESC LIMIT $2`, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (AuditEntry, error) {
		var e AuditEntry
		err := row.Scan(&e.ID, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID,
			&e.IPAddress, &e.UserAgent, &e.Success, &e.Metadata, &e.CreatedAt)
		return e, err
	})
}
