// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and shared query helpers.
// Creates a connection pool at startup, shared across all components.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE Postgres reports for unique constraint/index violations.
const pgUniqueViolation = "23505"

// PostgresStore is the durable store for users, sessions, OAuth links, audit rows and tokens.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and pings it before returning.
// Call once at startup from main.go; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// mapWriteErr turns a unique violation into *ConflictError and wraps everything else.
func mapWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return &ConflictError{Constraint: pgErr.ConstraintName}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// inTx runs fn inside a transaction, committing on nil and rolling back otherwise.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
