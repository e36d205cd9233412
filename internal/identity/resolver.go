// Package identity maps external OAuth identities and local registrations onto exactly one
// user record, and owns the lifecycle of OAuth links.
//
// Uniqueness is enforced by the store's constraints. Every conflict a concurrent writer can
// cause is re-read and resolved here, never surfaced as a crash.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MGallo-Code/gatekeeper/internal/credential"
	"github.com/MGallo-Code/gatekeeper/internal/oauth"
	"github.com/MGallo-Code/gatekeeper/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// DefaultPurgeDelay is how long a soft-deleted account is kept before the sweeper purges it.
const DefaultPurgeDelay = 30 * 24 * time.Hour

const (
	maxResolveAttempts  = 3
	maxUsernameAttempts = 5
)

var (
	ErrEmailTaken       = errors.New("email already registered")
	ErrUsernameTaken    = errors.New("username already taken")
	ErrIdentityInUse    = errors.New("provider identity is linked to another account")
	ErrProviderLinked   = errors.New("account already linked to another identity at this provider")
	ErrEmailNotVerified = errors.New("provider email not verified")
	ErrNotLinked        = errors.New("provider not linked")
	ErrPasswordSet      = errors.New("password already set")
	ErrLastSignInMethod = store.ErrLastSignInMethod
)

// errRetryResolve signals that a concurrent writer created the email or identity first.
var errRetryResolve = errors.New("identity created concurrently")

// Store is the persistence port the resolver needs.
// Satisfied by *store.PostgresStore, defined here (at consumer) per Go convention.
type Store interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	CreateUser(ctx context.Context, u *store.User) error
	CreateUserWithAccount(ctx context.Context, u *store.User, a *store.OAuthAccount) error
	UpdateProfile(ctx context.Context, userID uuid.UUID, username string, passwordHash *string) error
	SoftDeleteUser(ctx context.Context, userID uuid.UUID, purgeAt time.Time) error

	GetOAuthAccount(ctx context.Context, provider, providerAccountID string) (*store.OAuthAccount, error)
	CreateOAuthAccount(ctx context.Context, a *store.OAuthAccount) error
	ListOAuthAccounts(ctx context.Context, userID uuid.UUID) ([]store.OAuthAccount, error)
	UnlinkOAuthAccount(ctx context.Context, userID uuid.UUID, provider string) error
}

// PasswordHasher hashes passwords for new credentials. Satisfied by *credential.Hasher.
type PasswordHasher interface {
	Hash(password string) (string, error)
}

// Outcome says how Resolve matched the external identity.
type Outcome int

const (
	// OutcomeSignedIn: the (provider, externalID) link already existed.
	OutcomeSignedIn Outcome = iota
	// OutcomeLinked: an existing user matched by email got a new link.
	OutcomeLinked
	// OutcomeCreated: a new user and link were created together.
	OutcomeCreated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSignedIn:
		return "signed_in"
	case OutcomeLinked:
		return "linked"
	case OutcomeCreated:
		return "created"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Resolver owns user creation and OAuth link state.
type Resolver struct {
	Store      Store
	Hasher     PasswordHasher
	PurgeDelay time.Duration
	Now        func() time.Time
}

// NewResolver returns a Resolver with DefaultPurgeDelay and the wall clock.
func NewResolver(s Store, h PasswordHasher) *Resolver {
	return &Resolver{Store: s, Hasher: h, PurgeDelay: DefaultPurgeDelay, Now: time.Now}
}

func (r *Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// Resolve maps a provider profile onto one user.
//
//  1. A live user with the profile email gets the (provider, externalID) link, created if absent.
//  2. With no email match, an existing link signs in its owner (the provider-side email changed).
//  3. Otherwise a new user (email verified, generated username) and its link are created in one
//     transaction.
//
// Unverified provider emails are refused with ErrEmailNotVerified.
func (r *Resolver) Resolve(ctx context.Context, provider string, p *oauth.Profile, t *oauth.Tokens) (*store.User, Outcome, error) {
	if p == nil || p.ExternalID == "" {
		return nil, 0, errors.New("resolving identity: profile missing external id")
	}
	if p.Email == "" || !p.EmailVerified {
		return nil, 0, ErrEmailNotVerified
	}
	email := credential.NormalizeEmail(p.Email)

	for range maxResolveAttempts {
		u, err := r.Store.GetUserByEmail(ctx, email)
		switch {
		case err == nil:
			outcome, err := r.ensureLink(ctx, u.ID, provider, p, t)
			if err != nil {
				return nil, 0, err
			}
			return u, outcome, nil
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, 0, fmt.Errorf("looking up user by email: %w", err)
		}

		owner, err := r.linkedOwner(ctx, provider, p.ExternalID)
		if err != nil {
			return nil, 0, err
		}
		if owner != nil {
			return owner, OutcomeSignedIn, nil
		}

		u, err = r.createWithAccount(ctx, email, provider, p, t)
		if errors.Is(err, errRetryResolve) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		return u, OutcomeCreated, nil
	}
	return nil, 0, fmt.Errorf("resolving identity: %w after %d attempts", errRetryResolve, maxResolveAttempts)
}

// linkedOwner returns the live owner of (provider, externalID), or nil when unlinked.
func (r *Resolver) linkedOwner(ctx context.Context, provider, externalID string) (*store.User, error) {
	acct, err := r.Store.GetOAuthAccount(ctx, provider, externalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up oauth account: %w", err)
	}
	owner, err := r.Store.GetUserByID(ctx, acct.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up link owner: %w", err)
	}
	return owner, nil
}

// ensureLink attaches (provider, externalID) to userID. Already linked to userID is success;
// linked to anyone else is ErrIdentityInUse.
func (r *Resolver) ensureLink(ctx context.Context, userID uuid.UUID, provider string, p *oauth.Profile, t *oauth.Tokens) (Outcome, error) {
	acct, err := r.Store.GetOAuthAccount(ctx, provider, p.ExternalID)
	switch {
	case err == nil:
		if acct.UserID == userID {
			return OutcomeSignedIn, nil
		}
		return 0, ErrIdentityInUse
	case !errors.Is(err, pgx.ErrNoRows):
		return 0, fmt.Errorf("looking up oauth account: %w", err)
	}

	link, err := newAccount(userID, provider, p.ExternalID, t)
	if err != nil {
		return 0, err
	}
	err = r.Store.CreateOAuthAccount(ctx, link)
	if err == nil {
		return OutcomeLinked, nil
	}

	var ce *store.ConflictError
	if !errors.As(err, &ce) {
		return 0, fmt.Errorf("creating oauth account: %w", err)
	}
	// Lost a race or the user holds another identity at this provider. Re-read to tell which.
	acct, rerr := r.Store.GetOAuthAccount(ctx, provider, p.ExternalID)
	switch {
	case rerr == nil && acct.UserID == userID:
		return OutcomeSignedIn, nil
	case rerr == nil:
		return 0, ErrIdentityInUse
	case ce.Constraint == store.ConstraintAccountProvider:
		return 0, ErrProviderLinked
	}
	return 0, fmt.Errorf("creating oauth account: %w", err)
}

func (r *Resolver) createWithAccount(ctx context.Context, email, provider string, p *oauth.Profile, t *oauth.Tokens) (*store.User, error) {
	base := sanitizeUsernameBase(email)
	now := r.now()

	for range maxUsernameAttempts {
		username, err := generateUsername(base)
		if err != nil {
			return nil, err
		}
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating user id: %w", err)
		}
		u := &store.User{
			ID:              id,
			Email:           email,
			Username:        &username,
			Role:            store.RoleUser,
			EmailVerifiedAt: &now,
			DisplayName:     optional(p.Name),
			AvatarURL:       optional(p.AvatarURL),
		}
		link, err := newAccount(id, provider, p.ExternalID, t)
		if err != nil {
			return nil, err
		}

		err = r.Store.CreateUserWithAccount(ctx, u, link)
		var ce *store.ConflictError
		switch {
		case err == nil:
			return u, nil
		case !errors.As(err, &ce):
			return nil, fmt.Errorf("creating user with oauth account: %w", err)
		case ce.Constraint == store.ConstraintUserUsername:
			continue
		default:
			return nil, errRetryResolve
		}
	}
	return nil, fmt.Errorf("creating user: %w", ErrUsernameTaken)
}

// Link attaches an external identity to an already signed-in user.
// The provider email does not have to match the user's.
func (r *Resolver) Link(ctx context.Context, userID uuid.UUID, provider string, p *oauth.Profile, t *oauth.Tokens) (Outcome, error) {
	if p == nil || p.ExternalID == "" {
		return 0, errors.New("linking identity: profile missing external id")
	}
	if _, err := r.Store.GetUserByID(ctx, userID); err != nil {
		return 0, fmt.Errorf("looking up user: %w", err)
	}
	return r.ensureLink(ctx, userID, provider, p, t)
}

// Unlink removes userID's link for provider. Refused with ErrLastSignInMethod, and nothing
// mutated, when it is the user's only way to sign in.
func (r *Resolver) Unlink(ctx context.Context, userID uuid.UUID, provider string) error {
	err := r.Store.UnlinkOAuthAccount(ctx, userID, provider)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotLinked
	case errors.Is(err, store.ErrLastSignInMethod):
		return ErrLastSignInMethod
	}
	return fmt.Errorf("unlinking %s: %w", provider, err)
}

// ListAccounts returns the user's connected providers.
func (r *Resolver) ListAccounts(ctx context.Context, userID uuid.UUID) ([]store.OAuthAccount, error) {
	return r.Store.ListOAuthAccounts(ctx, userID)
}

// Registration is a validated local sign-up. Username is optional; one is generated when empty.
type Registration struct {
	Email    string
	Username string
	Password string
}

// Register creates a password user. Email and username collisions are checked up front and
// reported as ErrEmailTaken / ErrUsernameTaken; a racing insert maps to the same errors.
func (r *Resolver) Register(ctx context.Context, reg Registration) (*store.User, error) {
	email := credential.NormalizeEmail(reg.Email)

	if _, err := r.Store.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("checking email: %w", err)
	}
	if reg.Username != "" {
		if _, err := r.Store.GetUserByUsername(ctx, reg.Username); err == nil {
			return nil, ErrUsernameTaken
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("checking username: %w", err)
		}
	}

	hash, err := r.Hasher.Hash(reg.Password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	for range maxUsernameAttempts {
		username := reg.Username
		if username == "" {
			if username, err = generateUsername(sanitizeUsernameBase(email)); err != nil {
				return nil, err
			}
		}
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating user id: %w", err)
		}
		u := &store.User{ID: id, Email: email, Username: &username, PasswordHash: &hash, Role: store.RoleUser}

		err = r.Store.CreateUser(ctx, u)
		var ce *store.ConflictError
		switch {
		case err == nil:
			return u, nil
		case !errors.As(err, &ce):
			return nil, fmt.Errorf("creating user: %w", err)
		case ce.Constraint == store.ConstraintUserEmail:
			return nil, ErrEmailTaken
		case reg.Username != "":
			return nil, ErrUsernameTaken
		}
	}
	return nil, ErrUsernameTaken
}

// CompleteProfile sets the user's chosen username and, for accounts without one, a first
// password. Supplying a password when one is already set returns ErrPasswordSet.
func (r *Resolver) CompleteProfile(ctx context.Context, userID uuid.UUID, username, password string) error {
	u, err := r.Store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("looking up user: %w", err)
	}
	if password != "" && u.HasPassword() {
		return ErrPasswordSet
	}

	if other, err := r.Store.GetUserByUsername(ctx, username); err == nil && other.ID != userID {
		return ErrUsernameTaken
	} else if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("checking username: %w", err)
	}

	var hash *string
	if password != "" {
		h, err := r.Hasher.Hash(password)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}
		hash = &h
	}

	err = r.Store.UpdateProfile(ctx, userID, username, hash)
	if errors.Is(err, store.ErrConflict) {
		return ErrUsernameTaken
	}
	return err
}

// DeleteAccount soft-deletes the user: email and username are freed, OAuth links dropped,
// token_version bumped and sessions revoked. The row is purged after PurgeDelay.
func (r *Resolver) DeleteAccount(ctx context.Context, userID uuid.UUID) error {
	delay := r.PurgeDelay
	if delay <= 0 {
		delay = DefaultPurgeDelay
	}
	if err := r.Store.SoftDeleteUser(ctx, userID, r.now().Add(delay)); err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	return nil
}

func newAccount(userID uuid.UUID, provider, externalID string, t *oauth.Tokens) (*store.OAuthAccount, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating oauth account id: %w", err)
	}
	a := &store.OAuthAccount{ID: id, UserID: userID, Provider: provider, ProviderAccountID: externalID}
	if t != nil {
		a.AccessToken = optional(t.AccessToken)
		a.RefreshToken = optional(t.RefreshToken)
		if !t.Expiry.IsZero() {
			exp := t.Expiry
			a.ExpiresAt = &exp
		}
	}
	return a, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
