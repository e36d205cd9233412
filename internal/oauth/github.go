// github.go -- GitHub OAuth2 provider implementation.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/go-github/v72/github"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
)

// GitHubAPIBase is the REST API root used for profile lookups.
const GitHubAPIBase = "https://api.github.com"

// GitHubProvider implements Provider using GitHub's OAuth app flow.
// GitHub issues no ID token, so FetchProfile calls the REST API through go-github.
type GitHubProvider struct {
	config  *oauth2.Config
	client  *http.Client
	apiBase string
}

// NewGitHubProvider creates a GitHubProvider. client nil uses NewHTTPClient(0).
func NewGitHubProvider(client *http.Client, clientID, clientSecret, redirectURL string) *GitHubProvider {
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     githuboauth.Endpoint,
			Scopes:       []string{"read:user", "user:email"},
		},
		client:  client,
		apiBase: GitHubAPIBase,
	}
}

// WithEndpoints points the provider at other token and API hosts (tests, GitHub Enterprise).
func (p *GitHubProvider) WithEndpoints(tokenURL, apiBase string) *GitHubProvider {
	p.config.Endpoint.TokenURL = tokenURL
	p.apiBase = strings.TrimRight(apiBase, "/")
	return p
}

// Name returns "github".
func (p *GitHubProvider) Name() string { return "github" }

// AuthCodeURL builds the GitHub authorize URL with state and PKCE S256 challenge embedded.
func (p *GitHubProvider) AuthCodeURL(state, codeChallenge string) string {
	return p.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange trades an authorization code for an access token.
func (p *GitHubProvider) Exchange(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	ctx, cancel := boundedContext(ctx, p.client)
	defer cancel()

	token, err := p.config.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, newExchangeError(p.Name(), err)
	}
	return tokensFrom(token), nil
}

// FetchProfile reads the authenticated user, and their email list when the public email is
// empty. GitHub only allows verified addresses as the public email, so a non-empty profile
// email is treated as verified.
func (p *GitHubProvider) FetchProfile(ctx context.Context, tokens *Tokens) (*Profile, error) {
	ctx, cancel := boundedContext(ctx, p.client)
	defer cancel()

	api, err := p.apiClient(ctx, tokens)
	if err != nil {
		return nil, err
	}

	u, resp, err := api.Users.Get(ctx, "")
	if err != nil {
		return nil, p.apiError("GET /user", resp, err)
	}
	if u.GetID() == 0 {
		return nil, newExchangeError(p.Name(), fmt.Errorf("github user response missing id"))
	}

	profile := &Profile{
		ExternalID:    strconv.FormatInt(u.GetID(), 10),
		Email:         u.GetEmail(),
		EmailVerified: u.GetEmail() != "",
		Name:          u.GetName(),
		AvatarURL:     u.GetAvatarURL(),
	}
	if profile.Name == "" {
		profile.Name = u.GetLogin()
	}

	if profile.Email == "" {
		emails, resp, err := api.Users.ListEmails(ctx, &github.ListOptions{PerPage: 100})
		if err != nil {
			return nil, p.apiError("GET /user/emails", resp, err)
		}
		chosen, ok := selectGitHubEmail(emails)
		if !ok {
			return nil, ErrNoVerifiedEmail
		}
		profile.Email = chosen.GetEmail()
		profile.EmailVerified = chosen.GetVerified()
	}
	return profile, nil
}

// apiClient returns a REST client authorized with the exchanged access token. ctx carries
// the bounded transport set by boundedContext.
func (p *GitHubProvider) apiClient(ctx context.Context, tokens *Tokens) (*github.Client, error) {
	base, err := url.Parse(p.apiBase + "/")
	if err != nil {
		return nil, fmt.Errorf("parsing github api base: %w", err)
	}
	api := github.NewClient(p.config.Client(ctx, &oauth2.Token{AccessToken: tokens.AccessToken}))
	api.BaseURL = base
	return api, nil
}

// apiError wraps a failed REST call, keeping GitHub's status and message for logs.
func (p *GitHubProvider) apiError(call string, resp *github.Response, err error) *ExchangeError {
	ee := newExchangeError(p.Name(), fmt.Errorf("%s: %w", call, err))
	if resp != nil && resp.Response != nil {
		ee.Status = resp.StatusCode
	}
	var er *github.ErrorResponse
	if errors.As(err, &er) {
		ee.Body = er.Message
	}
	return ee
}

// selectGitHubEmail picks primary+verified, else any verified, else the first entry.
// Reports false only when the list has no usable address.
func selectGitHubEmail(emails []*github.UserEmail) (*github.UserEmail, bool) {
	for _, e := range emails {
		if e.GetPrimary() && e.GetVerified() && e.GetEmail() != "" {
			return e, true
		}
	}
	for _, e := range emails {
		if e.GetVerified() && e.GetEmail() != "" {
			return e, true
		}
	}
	for _, e := range emails {
		if e.GetEmail() != "" {
			return e, true
		}
	}
	return nil, false
}
