package tokensource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultScope requests the application permissions granted to the client on Microsoft Graph.
const DefaultScope = "https://graph.microsoft.com/.default"

// DefaultTimeout bounds a token request.
const DefaultTimeout = 30 * time.Second

// Credentials identify the application against the authority. Never log them.
type Credentials struct {
	// Authority is the tenant authority, e.g. https://login.microsoftonline.com/<tenant>,
	// or a full token endpoint URL ending in /token.
	Authority    string
	ClientID     string
	ClientSecret string
	Scope        string
}

// TokenURL returns the OAuth2 v2.0 token endpoint of the authority.
func (c Credentials) TokenURL() string {
	authority := strings.TrimRight(c.Authority, "/")
	if strings.HasSuffix(authority, "/token") {
		return authority
	}
	return authority + "/oauth2/v2.0/token"
}

// Option configures a TokenSource.
type Option func(*tokenSourceConfig)

// tokenSourceConfig holds configuration for New.
type tokenSourceConfig struct {
	baseTransport http.RoundTripper
	timeout       time.Duration
}

// WithTransport sets a custom base transport for token requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *tokenSourceConfig) {
		c.baseTransport = transport
	}
}

// WithTimeout bounds each token request.
func WithTimeout(timeout time.Duration) Option {
	return func(c *tokenSourceConfig) {
		c.timeout = timeout
	}
}

// TokenSource provides cached client-credentials tokens.
type TokenSource struct {
	tokenSource oauth2.TokenSource
}

// Compile-time check to ensure TokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*TokenSource)(nil)

// New creates a TokenSource. No I/O is performed until the first Token call.
func New(creds Credentials, opts ...Option) (*TokenSource, error) {
	if creds.Authority == "" {
		return nil, errors.New("missing authority")
	}
	if creds.ClientID == "" {
		return nil, errors.New("missing client id")
	}
	if creds.ClientSecret == "" {
		return nil, errors.New("missing client secret")
	}
	if creds.Scope == "" {
		creds.Scope = DefaultScope
	}

	cfg := &tokenSourceConfig{
		baseTransport: http.DefaultTransport,
		timeout:       DefaultTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ccConfig := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenURL(),
		Scopes:       []string{creds.Scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	httpClient := &http.Client{
		Timeout:   cfg.timeout,
		Transport: cfg.baseTransport,
	}
	// oauth2 package injects custom HTTP clients via context (oauth2.HTTPClient key).
	// Since TokenSource.Token() has no context parameter, we store the context
	// at construction time per oauth2's documented API.
	oauthCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	return &TokenSource{
		tokenSource: ccConfig.TokenSource(oauthCtx),
	}, nil
}

// Token returns a valid access token, fetching a new one when none is cached
// or the cached one expired.
func (ts *TokenSource) Token() (*oauth2.Token, error) {
	token, err := ts.tokenSource.Token()
	if err != nil {
		return nil, describe(err)
	}
	return token, nil
}

// describe keeps the status and error code of a rejected token request on the
// first line, where operators look.
func describe(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) || retrieveErr.Response == nil {
		return fmt.Errorf("acquiring access token: %w", err)
	}

	code := retrieveErr.ErrorCode
	if code == "" {
		code = "unknown_error"
	}
	return fmt.Errorf("acquiring access token: status %d (%s): %w", retrieveErr.Response.StatusCode, code, err)
}
