// exchange.go -- Bounded HTTP client and exchange error mapping shared by providers.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTimeout bounds every round-trip to a provider.
const DefaultTimeout = 10 * time.Second

// ExchangeError is a failed code exchange or profile fetch.
// Status is the provider's HTTP status, 0 for timeouts and transport errors.
// Body is the raw provider response, for logs only; never echo it to clients.
type ExchangeError struct {
	Provider string
	Status   int
	Body     string
	Err      error
}

func (e *ExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s exchange failed: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s exchange failed: %v", e.Provider, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Timeout reports whether the exchange gave up waiting on the provider.
func (e *ExchangeError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Rejected reports whether the provider refused the grant itself (a 4xx answer, such as an
// expired or reused code). Timeouts, transport errors and provider 5xx are not rejections.
func (e *ExchangeError) Rejected() bool {
	return e.Status >= 400 && e.Status < 500
}

// newExchangeError wraps err, pulling status and body out of *oauth2.RetrieveError.
func newExchangeError(provider string, err error) *ExchangeError {
	ee := &ExchangeError{Provider: provider, Err: err}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		ee.Body = string(re.Body)
		if re.Response != nil {
			ee.Status = re.Response.StatusCode
		}
	}
	return ee
}

// NewHTTPClient returns the client providers use for token and profile calls.
// timeout <= 0 uses DefaultTimeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// boundedContext attaches client to ctx for x/oauth2 and caps the call at the client's timeout.
func boundedContext(ctx context.Context, client *http.Client) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	return context.WithTimeout(ctx, client.Timeout)
}

func tokensFrom(t *oauth2.Token) *Tokens {
	out := &Tokens{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
	}
	if id, ok := t.Extra("id_token").(string); ok {
		out.IDToken = id
	}
	return out
}
