// provider.go -- OAuth provider interface and shared types.
package oauth

import (
	"context"
	"errors"
	"time"
)

// ErrNoVerifiedEmail is returned by FetchProfile when the provider exposes no usable email.
var ErrNoVerifiedEmail = errors.New("no verified email found")

// Tokens is the result of a successful code exchange.
// RefreshToken and IDToken are empty when the provider does not issue them.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	IDToken      string
}

// Profile is the normalized identity returned by a provider.
// ExternalID is the provider's stable account id, never the email.
// EmailVerified is the provider's own claim; callers must refuse unverified emails.
// Name and AvatarURL are optional, empty means not provided.
type Profile struct {
	ExternalID    string
	Email         string
	EmailVerified bool
	Name          string
	AvatarURL     string
}

// Provider is an OAuth2 identity provider.
// PKCE (RFC 7636) is required: callers pass the code_challenge to AuthCodeURL and the
// matching code_verifier to Exchange.
// Implementations have no persistence or session side effects.
type Provider interface {
	// Name returns the provider identifier used as the URL param and stored in the DB.
	Name() string

	// AuthCodeURL returns the redirect URL with state and PKCE code_challenge embedded.
	AuthCodeURL(state, codeChallenge string) string

	// Exchange trades the authorization code for tokens. Failures are *ExchangeError.
	Exchange(ctx context.Context, code, codeVerifier string) (*Tokens, error)

	// FetchProfile reads the user's identity using tokens from Exchange.
	FetchProfile(ctx context.Context, tokens *Tokens) (*Profile, error)
}
