package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/florianilch/spo-archiver/internal/archive"
	"github.com/florianilch/spo-archiver/internal/drive"
	"github.com/florianilch/spo-archiver/internal/observability"
	"github.com/florianilch/spo-archiver/internal/publisher"
	"github.com/florianilch/spo-archiver/internal/retention"
	"github.com/florianilch/spo-archiver/internal/tokensource"
)

// Option configures an App.
type Option func(*appConfig)

type appConfig struct {
	transport http.RoundTripper
}

// WithTransport sets the base transport for token and Graph requests.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *appConfig) {
		c.transport = transport
	}
}

// App wires the workflow components from configuration.
type App struct {
	cfg       *Config
	builder   *archive.Builder
	publisher *publisher.Publisher
	metrics   *observability.RunMetrics
}

// New creates a new App instance. The client secret is read here so that a
// missing secret fails as a configuration error before any network call.
func New(ctx context.Context, cfg *Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}

	ac := &appConfig{transport: http.DefaultTransport}
	for _, opt := range opts {
		opt(ac)
	}
	transport := &observability.Transport{Base: ac.transport}

	store, err := cfg.Auth.NewSecretStore()
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("opening secret store: %w", err)}
	}
	secret, err := store.Read(ctx)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("reading client secret: %w", err)}
	}

	tokens, err := tokensource.New(tokensource.Credentials{
		Authority:    cfg.Auth.Authority,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: secret,
		Scope:        cfg.Auth.Scope,
	}, tokensource.WithTransport(transport), tokensource.WithTimeout(cfg.HTTP.Timeout))
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("creating token source: %w", err)}
	}

	client, err := drive.New(cfg.Drive.Endpoint, tokens,
		drive.WithTransport(transport),
		drive.WithTimeout(cfg.HTTP.Timeout),
		drive.WithChunkSize(cfg.Drive.ChunkSize),
		drive.WithSimpleUploadLimit(cfg.Drive.SimpleUploadLimit),
		drive.WithDescription(cfg.Archive.Description),
		drive.WithFilter(drive.ArchiveFilter(cfg.Archive.Prefix)),
	)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("creating drive client: %w", err)}
	}

	pub, err := publisher.New(tokens, client,
		retention.Policy{MaxCount: cfg.Retention.MaxCount},
		publisher.WithDeleteConcurrency(cfg.Retention.DeleteConcurrency),
	)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("creating publisher: %w", err)}
	}

	return &App{
		cfg: cfg,
		builder: &archive.Builder{
			Source:  cfg.Archive.Source,
			Prefix:  cfg.Archive.Prefix,
			Exclude: cfg.Archive.Exclude,
		},
		publisher: pub,
		metrics:   observability.NewRunMetrics(),
	}, nil
}

// Publish archives the source directory, uploads it and prunes the directory.
// The local archive is removed afterwards.
func (a *App) Publish(ctx context.Context) (*publisher.Report, error) {
	payload, err := a.builder.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("building archive: %w", err)
	}
	defer func() {
		if err := payload.Close(); err != nil {
			slog.WarnContext(ctx, "failed to remove local archive", "path", payload.Path(), "error", err)
		}
	}()
	slog.InfoContext(ctx, "archive built", "name", payload.Name, "files", payload.Files, "bytes", payload.Size)

	report, err := a.publisher.Run(ctx, publisher.Archive{
		Name: payload.Name,
		Body: payload,
		Size: payload.Size,
	})
	a.finish(ctx, report, err)
	return report, err
}

// Prune enforces the retention window without uploading.
func (a *App) Prune(ctx context.Context) (*publisher.Report, error) {
	report, err := a.publisher.Prune(ctx)
	a.finish(ctx, report, err)
	return report, err
}

// List returns the archives in the remote directory, oldest first.
func (a *App) List(ctx context.Context) ([]drive.Item, error) {
	return a.publisher.List(ctx)
}

// finish logs the outcome of a run and pushes its metrics.
func (a *App) finish(ctx context.Context, report *publisher.Report, err error) {
	outcome := publisher.Outcome(err)
	switch outcome {
	case "success":
		slog.InfoContext(ctx, "run finished", "outcome", outcome, "report", report)
	case "degraded":
		slog.WarnContext(ctx, "run finished degraded", "outcome", outcome, "report", report, "error", err)
	default:
		slog.ErrorContext(ctx, "run failed", "outcome", outcome, "report", report, "error", err)
	}

	if a.cfg.Metrics.PushgatewayURL == "" {
		return
	}

	var uploaded int64
	if report.Uploaded != nil {
		uploaded = report.Size
	}
	a.metrics.Observe(outcome, report.Duration, uploaded, len(report.Deleted), len(report.Failures))

	// Push even when the run was cancelled
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.Timeout)
	defer cancel()
	if err := a.metrics.Push(pushCtx, a.cfg.Metrics.PushgatewayURL, a.cfg.Metrics.Job); err != nil {
		slog.WarnContext(ctx, "failed to push metrics", "error", err)
	}
}
