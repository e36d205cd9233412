// Package audit records login attempts and sensitive operations, and decides when a run of
// failed logins should lock an (email, ip) pair out.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/gatekeeper/internal/store"
	"github.com/gofrs/uuid/v5"
)

// SystemActor is the actor id recorded for actions nobody requested, such as lockouts.
const SystemActor = "system"

// Defaults for the suspicious-activity check.
const (
	DefaultThreshold = 5
	DefaultLookback  = 30 * time.Minute
)

// Store is the persistence port the logger needs.
// Satisfied by *store.PostgresStore, defined here (at consumer) per Go convention.
type Store interface {
	InsertLoginAttempt(ctx context.Context, a *store.LoginAttempt) error
	CountFailedLoginAttempts(ctx context.Context, email, ip string, since time.Time) (int, error)
	ListLoginAttempts(ctx context.Context, userID uuid.UUID, email string, since time.Time, limit int) ([]store.LoginAttempt, error)
	InsertAuditEntry(ctx context.Context, e *store.AuditEntry) error
	ListAuditEntries(ctx context.Context, subject string, limit int) ([]store.AuditEntry, error)
}

// Attempt is one login attempt. UserID is nil when the email matched no account.
type Attempt struct {
	Email         string
	IP            string
	UserAgent     string
	Success       bool
	UserID        *uuid.UUID
	FailureReason string
}

// Operation is one sensitive action. Metadata, when non-nil, is stored as a JSON object.
type Operation struct {
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	IP         string
	UserAgent  string
	Success    bool
	Metadata   any
}

// Decision is the result of CheckSuspiciousActivity.
type Decision struct {
	ShouldLock bool
	Reason     string
	Failures   int
}

// Logger writes audit records. Writes never fail the caller's request.
type Logger struct {
	Store     Store
	Threshold int
	Lookback  time.Duration
	Now       func() time.Time
}

// NewLogger returns a Logger with the default threshold and lookback.
func NewLogger(s Store) *Logger {
	return &Logger{Store: s, Threshold: DefaultThreshold, Lookback: DefaultLookback, Now: time.Now}
}

func (l *Logger) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

// LogLoginAttempt appends a login attempt. Persistence errors are logged and swallowed.
func (l *Logger) LogLoginAttempt(ctx context.Context, a Attempt) {
	id, err := uuid.NewV7()
	if err != nil {
		slog.Error("failed to generate login attempt id", "error", err)
		return
	}
	row := &store.LoginAttempt{
		ID:        id,
		Email:     a.Email,
		IPAddress: a.IP,
		UserAgent: a.UserAgent,
		Success:   a.Success,
		UserID:    a.UserID,
		CreatedAt: l.now(),
	}
	if a.FailureReason != "" {
		reason := a.FailureReason
		row.FailureReason = &reason
	}
	if err := l.Store.InsertLoginAttempt(ctx, row); err != nil {
		slog.Error("failed to record login attempt", "email", a.Email, "ip", a.IP, "success", a.Success, "error", err)
	}
}

// CheckSuspiciousActivity counts failed attempts for (email, ip) inside the lookback window.
// Threshold or more means the pair should be locked out. Attempts rejected by a lockout are
// not counted, so the lock expires once the original failures age out.
func (l *Logger) CheckSuspiciousActivity(ctx context.Context, email, ip string) (Decision, error) {
	threshold, lookback := l.Threshold, l.Lookback
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if lookback <= 0 {
		lookback = DefaultLookback
	}

	n, err := l.Store.CountFailedLoginAttempts(ctx, email, ip, l.now().Add(-lookback))
	if err != nil {
		return Decision{}, fmt.Errorf("counting failed login attempts: %w", err)
	}
	if n >= threshold {
		return Decision{
			ShouldLock: true,
			Failures:   n,
			Reason:     fmt.Sprintf("%d failed attempts in %s", n, lookback),
		}, nil
	}
	return Decision{Failures: n}, nil
}

// LogSensitiveOperation appends an audit entry. Persistence errors are logged and swallowed.
func (l *Logger) LogSensitiveOperation(ctx context.Context, op Operation) {
	id, err := uuid.NewV7()
	if err != nil {
		slog.Error("failed to generate audit entry id", "error", err)
		return
	}
	entry := &store.AuditEntry{
		ID:         id,
		ActorID:    op.ActorID,
		Action:     op.Action,
		TargetType: op.TargetType,
		TargetID:   op.TargetID,
		IPAddress:  optional(op.IP),
		UserAgent:  optional(op.UserAgent),
		Success:    op.Success,
		CreatedAt:  l.now(),
	}
	if op.Metadata != nil {
		meta, err := json.Marshal(op.Metadata)
		if err != nil {
			slog.Warn("dropping unmarshalable audit metadata", "action", op.Action, "error", err)
		} else {
			entry.Metadata = meta
		}
	}
	if err := l.Store.InsertAuditEntry(ctx, entry); err != nil {
		slog.Error("failed to record audit entry", "actor_id", op.ActorID, "action", op.Action, "error", err)
	}
}

// Report is what a user sees of their own security history.
type Report struct {
	Attempts []store.LoginAttempt
	Entries  []store.AuditEntry
}

// List returns u's most recent login attempts and the audit entries where u is actor or
// target, newest first, at most limit of each. Attempts older than the account are left out.
func (l *Logger) List(ctx context.Context, u *store.User, limit int) (*Report, error) {
	attempts, err := l.Store.ListLoginAttempts(ctx, u.ID, u.Email, u.CreatedAt, limit)
	if err != nil {
		return nil, fmt.Errorf("listing login attempts: %w", err)
	}
	entries, err := l.Store.ListAuditEntries(ctx, u.ID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	return &Report{Attempts: attempts, Entries: entries}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
