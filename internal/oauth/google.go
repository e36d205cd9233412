// google.go -- Google OAuth2 + OIDC provider implementation.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const googleIssuer = "https://accounts.google.com"

// GoogleProvider implements Provider using Google's OIDC discovery + OAuth2 code flow.
// The profile comes from the verified ID token, so FetchProfile makes no extra request
// beyond JWKS refreshes.
type GoogleProvider struct {
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
	client   *http.Client
}

// NewGoogleProvider creates a GoogleProvider by fetching Google's OIDC discovery document.
// Makes an outbound HTTP request to accounts.google.com at startup; returns an error if unreachable.
func NewGoogleProvider(ctx context.Context, client *http.Client, clientID, clientSecret, redirectURL string) (*GoogleProvider, error) {
	if client == nil {
		client = NewHTTPClient(0)
	}
	p, err := oidc.NewProvider(oidc.ClientContext(ctx, client), googleIssuer)
	if err != nil {
		return nil, fmt.Errorf("google oidc discovery: %w", err)
	}
	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     p.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		verifier: p.Verifier(&oidc.Config{ClientID: clientID}),
		client:   client,
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string { return "google" }

// AuthCodeURL builds the Google consent page URL with state and PKCE S256 challenge embedded.
func (p *GoogleProvider) AuthCodeURL(state, codeChallenge string) string {
	return p.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange trades an authorization code for tokens. The ID token is required.
func (p *GoogleProvider) Exchange(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	ctx, cancel := boundedContext(ctx, p.client)
	defer cancel()

	token, err := p.config.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, newExchangeError(p.Name(), err)
	}
	tokens := tokensFrom(token)
	if tokens.IDToken == "" {
		return nil, newExchangeError(p.Name(), errors.New("no id_token in token response"))
	}
	return tokens, nil
}

// FetchProfile verifies the ID token signature against Google's JWKS (aud + exp checked)
// and maps its claims.
func (p *GoogleProvider) FetchProfile(ctx context.Context, tokens *Tokens) (*Profile, error) {
	ctx, cancel := boundedContext(oidc.ClientContext(ctx, p.client), p.client)
	defer cancel()

	idToken, err := p.verifier.Verify(ctx, tokens.IDToken)
	if err != nil {
		return nil, fmt.Errorf("verifying id token: %w", err)
	}

	var c struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("extracting id token claims: %w", err)
	}
	if c.Email == "" || !c.EmailVerified {
		return nil, ErrNoVerifiedEmail
	}

	return &Profile{
		ExternalID:    c.Sub,
		Email:         c.Email,
		EmailVerified: c.EmailVerified,
		Name:          c.Name,
		AvatarURL:     c.Picture,
	}, nil
}
