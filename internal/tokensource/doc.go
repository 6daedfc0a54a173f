// Package tokensource acquires bearer tokens for Microsoft Graph with the
// OAuth2 client-credentials grant.
//
// A single form-encoded POST exchanges the client ID, secret and scope for an
// access token. The token is cached and reused until it expires, so one run of
// the archiver performs one token exchange.
//
// # Token Sources
//
// Use New with the application credentials:
//
//	ts, err := tokensource.New(tokensource.Credentials{
//		Authority:    "https://login.microsoftonline.com/<tenant>",
//		ClientID:     clientID,
//		ClientSecret: secret,
//		Scope:        tokensource.DefaultScope,
//	})
//	// TokenSource implements oauth2.TokenSource and can be used with oauth2.Transport
//
// # Custom Base Transport
//
// Configure a custom base transport for token requests (e.g., for proxies or request logging):
//
//	ts, err := tokensource.New(creds, tokensource.WithTransport(customTransport))
package tokensource
