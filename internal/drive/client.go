package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Graph requires upload session chunks to be multiples of 320 KiB.
const chunkAlignment = 320 << 10

const (
	DefaultChunkSize         = 32 * chunkAlignment // 10 MiB
	DefaultSimpleUploadLimit = 4 << 20
	DefaultTimeout           = 30 * time.Second
)

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	baseTransport     http.RoundTripper
	timeout           time.Duration
	chunkSize         int64
	simpleUploadLimit int64
	description       string
	filter            Filter
}

// WithTransport sets the base transport for all requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *clientConfig) {
		c.baseTransport = transport
	}
}

// WithTimeout bounds every single HTTP request, including each upload chunk.
func WithTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		c.timeout = timeout
	}
}

// WithChunkSize sets the upload session chunk size.
func WithChunkSize(size int64) Option {
	return func(c *clientConfig) {
		c.chunkSize = size
	}
}

// WithSimpleUploadLimit sets the largest payload sent with a single PUT.
// Anything bigger goes through an upload session.
func WithSimpleUploadLimit(limit int64) Option {
	return func(c *clientConfig) {
		c.simpleUploadLimit = limit
	}
}

// WithDescription sets the description stored on items uploaded through a session.
func WithDescription(description string) Option {
	return func(c *clientConfig) {
		c.description = description
	}
}

// WithFilter restricts which listed files are reported as archive items.
func WithFilter(filter Filter) Option {
	return func(c *clientConfig) {
		c.filter = filter
	}
}

// Client accesses a single remote directory.
type Client struct {
	endpoint  string // children listing
	baseURL   string // drive, everything before /root
	directory string // directory item

	api    *http.Client // bearer-authenticated
	upload *http.Client // pre-authenticated upload URLs

	chunkSize         int64
	simpleUploadLimit int64
	description       string
	filter            Filter

	directoryID string
}

// ParseEndpoint splits a children endpoint into the drive URL and the URL of
// the directory item. Both the drive root (.../root/children) and a path below
// it (.../root:/<path>:/children) are accepted.
func ParseEndpoint(endpoint string) (baseURL, directory string, err error) {
	endpoint = strings.TrimRight(endpoint, "/")
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return "", "", fmt.Errorf("invalid endpoint: %w", err)
	}
	if base, ok := strings.CutSuffix(endpoint, "/root/children"); ok {
		return base, base + "/root", nil
	}
	baseURL, _, found := strings.Cut(endpoint, "/root:")
	if !found {
		return "", "", fmt.Errorf("endpoint %q does not address the drive root (/root) or a path below it (/root:)", endpoint)
	}
	if !strings.HasSuffix(endpoint, ":/children") {
		return "", "", fmt.Errorf("endpoint %q is not a children endpoint (:/children)", endpoint)
	}
	return baseURL, strings.TrimSuffix(endpoint, "/children"), nil
}

// New creates a Client for the directory whose children endpoint is given.
// No I/O is performed.
func New(endpoint string, ts oauth2.TokenSource, opts ...Option) (*Client, error) {
	if ts == nil {
		return nil, errors.New("missing token source")
	}

	baseURL, directory, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	cfg := &clientConfig{
		baseTransport:     http.DefaultTransport,
		timeout:           DefaultTimeout,
		chunkSize:         DefaultChunkSize,
		simpleUploadLimit: DefaultSimpleUploadLimit,
		filter:            func(string) bool { return true },
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.timeout <= 0 {
		return nil, errors.New("request timeout must be positive")
	}
	if cfg.chunkSize <= 0 || cfg.chunkSize%chunkAlignment != 0 {
		return nil, fmt.Errorf("chunk size %d is not a positive multiple of %d", cfg.chunkSize, chunkAlignment)
	}

	return &Client{
		endpoint:  endpoint,
		baseURL:   baseURL,
		directory: directory,
		api: &http.Client{
			Timeout:   cfg.timeout,
			Transport: &oauth2.Transport{Source: ts, Base: cfg.baseTransport},
		},
		upload: &http.Client{
			Timeout:   cfg.timeout,
			Transport: cfg.baseTransport,
		},
		chunkSize:         cfg.chunkSize,
		simpleUploadLimit: cfg.simpleUploadLimit,
		description:       cfg.description,
		filter:            cfg.filter,
	}, nil
}

// ResolveDirectory returns the item ID of the target directory.
// The ID is cached after the first successful lookup.
func (c *Client) ResolveDirectory(ctx context.Context) (string, error) {
	if c.directoryID != "" {
		return c.directoryID, nil
	}

	var dir driveItem
	if err := c.send(ctx, c.api, http.MethodGet, c.directory, nil, "", &dir); err != nil {
		return "", fmt.Errorf("resolving directory: %w", err)
	}
	if dir.ID == "" {
		return "", errors.New("resolving directory: response has no item id")
	}
	if dir.Folder == nil {
		return "", fmt.Errorf("resolving directory: %s is not a folder", dir.Name)
	}

	c.directoryID = dir.ID
	return c.directoryID, nil
}

// Upload stores size bytes read from body as name in the directory, replacing
// any existing item of that name. A failed upload is not resumed.
func (c *Client) Upload(ctx context.Context, name string, body io.Reader, size int64) (Item, error) {
	dirID, err := c.ResolveDirectory(ctx)
	if err != nil {
		return Item{}, err
	}

	itemPath := c.baseURL + "/items/" + url.PathEscape(dirID) + ":/" + url.PathEscape(name) + ":"

	var uploaded driveItem
	if size <= c.simpleUploadLimit {
		err = c.sendSized(ctx, c.api, http.MethodPut, itemPath+"/content", body, size, "application/octet-stream", &uploaded)
	} else {
		uploaded, err = c.uploadInChunks(ctx, itemPath, name, body, size)
	}
	if err != nil {
		return Item{}, fmt.Errorf("uploading %s: %w", name, err)
	}

	return uploaded.item(), nil
}

func (c *Client) uploadInChunks(ctx context.Context, itemPath, name string, body io.Reader, size int64) (driveItem, error) {
	reqBody, err := json.Marshal(uploadSessionRequest{Item: uploadSessionItem{
		ConflictBehavior: "replace",
		Description:      c.description,
		Name:             name,
	}})
	if err != nil {
		return driveItem{}, fmt.Errorf("marshaling upload session request: %w", err)
	}

	var session uploadSession
	if err := c.send(ctx, c.api, http.MethodPost, itemPath+"/createUploadSession", bytes.NewReader(reqBody), "application/json", &session); err != nil {
		return driveItem{}, fmt.Errorf("creating upload session: %w", err)
	}
	if session.UploadURL == "" {
		return driveItem{}, errors.New("creating upload session: response has no upload URL")
	}

	buf := make([]byte, c.chunkSize)
	var offset int64
	for offset < size {
		n := min(c.chunkSize, size-offset)
		if _, err := io.ReadFull(body, buf[:n]); err != nil {
			c.cancelSession(session.UploadURL)
			return driveItem{}, fmt.Errorf("reading payload at offset %d: %w", offset, err)
		}

		done, err := c.sendChunk(ctx, session.UploadURL, buf[:n], offset, size)
		if err != nil {
			c.cancelSession(session.UploadURL)
			return driveItem{}, fmt.Errorf("uploading bytes %d-%d: %w", offset, offset+n-1, err)
		}
		offset += n

		if done != nil {
			return *done, nil
		}
	}

	return driveItem{}, errors.New("upload session did not return the created item")
}

// sendChunk returns the created item once Graph reports the upload complete.
func (c *Client) sendChunk(ctx context.Context, uploadURL string, chunk []byte, offset, total int64) (*driveItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return nil, err
	}
	req.ContentLength = int64(len(chunk))
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(chunk))-1, total))

	resp, err := c.upload.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusAccepted {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	}

	var item driveItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("decoding created item: %w", err)
	}
	return &item, nil
}

// cancelSession discards the uploaded fragments; failures are ignored since
// Graph expires abandoned sessions on its own.
func (c *Client) cancelSession(uploadURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.upload.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, uploadURL, nil)
	if err != nil {
		return
	}
	if resp, err := c.upload.Do(req); err == nil {
		_ = resp.Body.Close()
	}
}

// Pages yields the directory listing one page at a time, following
// continuation links until none is left. Every range over the sequence starts
// a fresh listing. After an error no further pages are yielded.
func (c *Client) Pages(ctx context.Context) iter.Seq2[[]Item, error] {
	return func(yield func([]Item, error) bool) {
		seen := make(map[string]bool)
		next := c.endpoint
		for next != "" {
			if seen[next] {
				yield(nil, fmt.Errorf("continuation link loop at %s", redact(next)))
				return
			}
			seen[next] = true

			var page childrenPage
			if err := c.send(ctx, c.api, http.MethodGet, next, nil, "", &page); err != nil {
				yield(nil, err)
				return
			}

			items := make([]Item, 0, len(page.Value))
			for _, d := range page.Value {
				if d.File == nil || !c.filter(d.Name) {
					continue
				}
				items = append(items, d.item())
			}
			if !yield(items, nil) {
				return
			}
			next = page.NextLink
		}
	}
}

// List returns every archive item in the directory. A failure on any page
// discards the pages read so far.
func (c *Client) List(ctx context.Context) ([]Item, error) {
	var all []Item
	for page, err := range c.Pages(ctx) {
		if err != nil {
			return nil, fmt.Errorf("listing directory: %w", err)
		}
		all = append(all, page...)
	}
	return all, nil
}

// Delete removes the item with the given ID. A missing item yields an error
// matching ErrNotFound.
func (c *Client) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("deleting item: empty id")
	}
	if err := c.send(ctx, c.api, http.MethodDelete, c.baseURL+"/items/"+url.PathEscape(id), nil, "", nil); err != nil {
		return fmt.Errorf("deleting item %s: %w", id, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, hc *http.Client, method, target string, body io.Reader, contentType string, out any) error {
	return c.sendSized(ctx, hc, method, target, body, -1, contentType, out)
}

// sendSized performs the request and decodes a JSON response into out when out is non-nil.
// A negative size leaves the content length to net/http.
func (c *Client) sendSized(ctx context.Context, hc *http.Client, method, target string, body io.Reader, size int64, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if size >= 0 {
		req.ContentLength = size
		if size == 0 {
			req.Body = http.NoBody
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s %s: %w", method, redact(target), err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Method:     resp.Request.Method,
		URL:        redact(resp.Request.URL.String()),
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

// redact drops query and fragment, upload URLs carry a credential there.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
