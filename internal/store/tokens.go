// tokens.go -- verification_tokens queries.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CreateVerificationToken inserts a single-use token. Earlier tokens with the same
// identifier and purpose are deleted first so only the newest link works.
func (s *PostgresStore) CreateVerificationToken(ctx context.Context, t *VerificationToken) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"DELETE FROM verification_tokens WHERE identifier = $1 AND purpose = $2",
			t.Identifier, t.Purpose); err != nil {
			return fmt.Errorf("deleting previous tokens: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO verification_tokens (id, identifier, token_hash, purpose, expires_at)
			VALUES ($1, $2, $3, $4, $5)`,
			t.ID, t.Identifier, t.TokenHash, t.Purpose, t.ExpiresAt)
		return mapWriteErr("inserting verification token", err)
	})
}

// ConsumeVerificationToken deletes the token with the given hash and purpose and returns it.
// Expired tokens are deleted too but reported as pgx.ErrNoRows, same as unknown or already
// consumed ones, so a second confirmation always fails.
func (s *PostgresStore) ConsumeVerificationToken(ctx context.Context, tokenHash []byte, purpose string, now time.Time) (*VerificationToken, error) {
	var t VerificationToken
	err := s.pool.QueryRow(ctx, `
		DELETE FROM verification_tokens WHERE token_hash = $1 AND purpose = $2
		RETURNING id, identifier, token_hash, purpose, expires_at, created_at`,
		tokenHash, purpose).Scan(&t.ID, &t.Identifier, &t.TokenHash, &t.Purpose, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if !now.Before(t.ExpiresAt) {
		return nil, pgx.ErrNoRows
	}
	return &t, nil
}

// DeleteExpiredVerificationTokens removes tokens past expiry. Returns the count removed.
func (s *PostgresStore) DeleteExpiredVerificationTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM verification_tokens WHERE expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
