// Package publisher uploads an archive and then enforces the retention window
// of the remote directory.
//
// A run is strictly sequential: the token is acquired, the archive uploaded,
// the directory listed after the upload is visible and only then are the
// oldest archives deleted. Failures to authenticate or upload abort the run.
// Failures after the upload degrade it: the archive is stored, cleanup is
// incomplete.
package publisher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/florianilch/spo-archiver/internal/drive"
	"github.com/florianilch/spo-archiver/internal/retention"
)

// Directory is the remote directory archives are published to.
type Directory interface {
	Upload(ctx context.Context, name string, body io.Reader, size int64) (drive.Item, error)
	List(ctx context.Context) ([]drive.Item, error)
	Delete(ctx context.Context, id string) error
}

// Archive is the payload of one run. Body is read once.
type Archive struct {
	Name string
	Body io.Reader
	Size int64
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithDeleteConcurrency sets how many deletions run at once. With 1, the
// default, archives are deleted one by one, oldest first.
func WithDeleteConcurrency(n int) Option {
	return func(p *Publisher) {
		p.deleteConcurrency = n
	}
}

// Publisher runs the publish-and-retain workflow.
type Publisher struct {
	tokens            oauth2.TokenSource
	dir               Directory
	policy            retention.Policy
	deleteConcurrency int
}

// New creates a Publisher.
func New(tokens oauth2.TokenSource, dir Directory, policy retention.Policy, opts ...Option) (*Publisher, error) {
	if tokens == nil {
		return nil, errors.New("missing token source")
	}
	if dir == nil {
		return nil, errors.New("missing directory")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	p := &Publisher{
		tokens:            tokens,
		dir:               dir,
		policy:            policy,
		deleteConcurrency: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.deleteConcurrency < 1 {
		return nil, errors.New("delete concurrency must be at least 1")
	}

	return p, nil
}

// Run uploads the archive and prunes the directory.
//
// The returned report is never nil. The error is a *StepError for
// authentication, upload and listing failures and a *PruneError when some
// deletions failed; the latter two match ErrDegraded.
func (p *Publisher) Run(ctx context.Context, archive Archive) (*Report, error) {
	started := time.Now()
	report := &Report{Archive: archive.Name, Size: archive.Size, State: StateStart}
	defer func() { report.Duration = time.Since(started) }()

	if err := p.authenticate(ctx); err != nil {
		report.State = StateFailed
		return report, &StepError{Step: StepAuthenticate, Kind: ErrAuth, Err: err}
	}
	report.State = StateAuthenticated

	slog.InfoContext(ctx, "uploading archive", "name", archive.Name, "bytes", archive.Size)
	uploaded, err := p.dir.Upload(ctx, archive.Name, archive.Body, archive.Size)
	if err != nil {
		report.State = StateFailed
		return report, &StepError{Step: StepUpload, Kind: ErrUpload, Err: err}
	}
	report.Uploaded = &uploaded
	report.State = StateUploaded
	slog.InfoContext(ctx, "archive uploaded", "name", uploaded.Name, "id", uploaded.ID)

	items, err := p.dir.List(ctx)
	if err != nil {
		report.State = StateFailed
		slog.WarnContext(ctx, "listing failed after upload, skipping retention", "error", err)
		return report, &StepError{Step: StepList, Kind: ErrList, Err: err}
	}
	report.Listed = len(items)
	report.State = StateListed

	err = p.prune(ctx, report, items, &uploaded)
	report.State = StateDone
	return report, err
}

// Prune enforces the retention window without uploading anything.
func (p *Publisher) Prune(ctx context.Context) (*Report, error) {
	started := time.Now()
	report := &Report{State: StateStart}
	defer func() { report.Duration = time.Since(started) }()

	if err := p.authenticate(ctx); err != nil {
		report.State = StateFailed
		return report, &StepError{Step: StepAuthenticate, Kind: ErrAuth, Err: err}
	}
	report.State = StateAuthenticated

	items, err := p.dir.List(ctx)
	if err != nil {
		report.State = StateFailed
		return report, &StepError{Step: StepList, Kind: ErrList, Err: err}
	}
	report.Listed = len(items)
	report.State = StateListed

	err = p.prune(ctx, report, items, nil)
	report.State = StateDone
	return report, err
}

// List returns the archives in the directory, oldest first.
func (p *Publisher) List(ctx context.Context) ([]drive.Item, error) {
	if err := p.authenticate(ctx); err != nil {
		return nil, &StepError{Step: StepAuthenticate, Kind: ErrAuth, Err: err}
	}
	items, err := p.dir.List(ctx)
	if err != nil {
		return nil, &StepError{Step: StepList, Kind: ErrList, Err: err}
	}
	slices.SortFunc(items, retention.Oldest)
	return items, nil
}

// authenticate acquires the token up front so that a rejected credential
// stops the run before any upload is attempted.
func (p *Publisher) authenticate(ctx context.Context) error {
	token, err := p.tokens.Token()
	if err != nil {
		return err
	}
	if token == nil || token.AccessToken == "" {
		return errors.New("token response has no access token")
	}
	slog.DebugContext(ctx, "access token acquired", "expiry", token.Expiry)
	return nil
}

// prune deletes what the policy selects. Every deletion is attempted, a
// failure never stops its siblings.
func (p *Publisher) prune(ctx context.Context, report *Report, items []drive.Item, justUploaded *drive.Item) error {
	selected := p.policy.Decide(items, justUploaded)
	if len(selected) == 0 {
		slog.InfoContext(ctx, "retention satisfied, nothing to delete", "archives", len(items), "max", p.policy.MaxCount)
		report.State = StatePruned
		return nil
	}
	slog.InfoContext(ctx, "deleting old archives", "count", len(selected), "max", p.policy.MaxCount)

	results := make([]error, len(selected))
	var g errgroup.Group
	g.SetLimit(p.deleteConcurrency)
	for i, item := range selected {
		g.Go(func() error {
			results[i] = p.dir.Delete(ctx, item.ID)
			return nil
		})
	}
	_ = g.Wait()

	var failures []DeleteFailure
	for i, item := range selected {
		err := results[i]
		switch {
		case err == nil:
			slog.InfoContext(ctx, "deleted archive", "name", item.Name, "id", item.ID, "created", item.Created)
			report.Deleted = append(report.Deleted, item)
		case errors.Is(err, drive.ErrNotFound):
			slog.InfoContext(ctx, "archive already gone", "name", item.Name, "id", item.ID)
			report.Missing = append(report.Missing, item)
		default:
			slog.WarnContext(ctx, "failed to delete archive", "name", item.Name, "id", item.ID, "error", err)
			failures = append(failures, DeleteFailure{ID: item.ID, Name: item.Name, Err: err})
		}
	}
	report.Failures = failures
	report.State = StatePruned

	if len(failures) > 0 {
		return &PruneError{Failures: failures}
	}
	return nil
}
