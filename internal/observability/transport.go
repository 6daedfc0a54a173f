package observability

import (
	"log/slog"
	"net/http"
	"time"
)

// Transport logs outgoing requests with method, URL, status and duration.
// Headers and bodies are never logged, and neither are query strings since
// pre-authenticated upload URLs carry a credential there.
type Transport struct {
	Base http.RoundTripper
	// Logger defaults to slog.Default at request time.
	Logger *slog.Logger
}

// Compile-time check that Transport implements http.RoundTripper.
var _ http.RoundTripper = (*Transport)(nil)

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx := req.Context()
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return base.RoundTrip(req)
	}

	u := *req.URL
	u.RawQuery = ""
	u.User = nil

	start := time.Now()
	resp, err := base.RoundTrip(req)
	elapsed := time.Since(start)

	if err != nil {
		logger.DebugContext(ctx, "http request failed", "method", req.Method, "url", u.String(), "duration", elapsed, "error", err)
		return nil, err
	}
	logger.DebugContext(ctx, "http request", "method", req.Method, "url", u.String(), "status", resp.StatusCode, "duration", elapsed)
	return resp, nil
}
