// accounts.go -- oauth_accounts table queries.
package store

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const accountColumns = `id, user_id, provider, provider_account_id, access_token, refresh_token, expires_at, created_at`

func scanAccount(row pgx.Row) (*OAuthAccount, error) {
	var a OAuthAccount
	err := row.Scan(&a.ID, &a.UserID, &a.Provider, &a.ProviderAccountID,
		&a.AccessToken, &a.RefreshToken, &a.ExpiresAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func insertAccount(ctx context.Context, q execer, a *OAuthAccount) error {
	_, err := q.Exec(ctx, `
		INSERT INTO oauth_accounts (id, user_id, provider, provider_account_id, access_token, refresh_token, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.UserID, a.Provider, a.ProviderAccountID, a.AccessToken, a.RefreshToken, a.ExpiresAt)
	return mapWriteErr("inserting oauth account", err)
}

// CreateOAuthAccount inserts a link row. A duplicate (provider, provider_account_id) or a second
// link for the same (user, provider) returns *ConflictError; callers treat the first as "already linked".
func (s *PostgresStore) CreateOAuthAccount(ctx context.Context, a *OAuthAccount) error {
	return insertAccount(ctx, s.pool, a)
}

// GetOAuthAccount fetches the link for (provider, providerAccountID).
// Returns pgx.ErrNoRows if the identity is not linked to anyone.
func (s *PostgresStore) GetOAuthAccount(ctx context.Context, provider, providerAccountID string) (*OAuthAccount, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM oauth_accounts WHERE provider = $1 AND provider_account_id = $2",
		provider, providerAccountID))
}

// ListOAuthAccounts returns every link held by userID, oldest first.
func (s *PostgresStore) ListOAuthAccounts(ctx context.Context, userID uuid.UUID) ([]OAuthAccount, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+accountColumns+" FROM oauth_accounts WHERE user_id = $1 ORDER BY created_at", userID)
	if err != nil {
		return nil, fmt.Errorf("listing oauth accounts: %w", err)
	}
	defer rows.Close()

	var out []OAuthAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning oauth account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UnlinkOAuthAccount removes userID's link for provider.
// The user row is locked FOR UPDATE so two concurrent unlinks cannot both pass the check and
// strand the account. Returns ErrLastSignInMethod when the link is the only way in, and
// pgx.ErrNoRows when the user or link does not exist.
func (s *PostgresStore) UnlinkOAuthAccount(ctx context.Context, userID uuid.UUID, provider string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var hasPassword bool
		err := tx.QueryRow(ctx, `
			SELECT password_hash IS NOT NULL AND password_hash <> ''
			FROM users WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, userID).Scan(&hasPassword)
		if err != nil {
			return err
		}

		var linked, others int
		err = tx.QueryRow(ctx, `
			SELECT count(*) FILTER (WHERE provider = $2), count(*) FILTER (WHERE provider <> $2)
			FROM oauth_accounts WHERE user_id = $1`, userID, provider).Scan(&linked, &others)
		if err != nil {
			return fmt.Errorf("counting oauth accounts: %w", err)
		}
		if linked == 0 {
			return pgx.ErrNoRows
		}
		if !hasPassword && others == 0 {
			return ErrLastSignInMethod
		}

		if _, err := tx.Exec(ctx,
			"DELETE FROM oauth_accounts WHERE user_id = $1 AND provider = $2", userID, provider); err != nil {
			return fmt.Errorf("deleting oauth account: %w", err)
		}
		return nil
	})
}
