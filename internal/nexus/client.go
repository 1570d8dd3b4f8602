package nexus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

const (
	repositoriesPath = "service/rest/v1/repositories"
	componentsPath   = "service/rest/v1/components"

	// maxErrorBody caps how much of an error response is kept for diagnostics.
	maxErrorBody = 4096

	userAgent = "nexusctl"
)

// ClientConfig holds the settings for NewClient.
type ClientConfig struct {
	BaseURL  string
	Username string
	Password string

	// Timeout bounds each request including reading its body.
	// Zero means no timeout.
	Timeout time.Duration

	// RequestsPerSecond paces every request issued by the client.
	// Zero means unlimited.
	RequestsPerSecond float64

	// HTTPClient is used for all requests. http.DefaultClient when nil.
	HTTPClient *http.Client
}

// Client issues authenticated requests against a Nexus server.
type Client struct {
	base     *url.URL
	username string
	password string
	timeout  time.Duration
	limiter  *rate.Limiter
	http     *http.Client
}

// NewClient creates a Client for the server at config.BaseURL.
func NewClient(config ClientConfig) (*Client, error) {
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "NewClient")
	}
	switch base.Scheme {
	case "http", "https":
	default:
		return nil, errors.New("unsupported scheme: " + base.Scheme)
	}
	if base.Host == "" {
		return nil, errors.New("no host in url: " + config.BaseURL)
	}

	// for URL.ResolveReference
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
		if base.RawPath != "" {
			base.RawPath += "/"
		}
	}

	if config.Timeout < 0 {
		return nil, errors.New("negative timeout")
	}
	if config.RequestsPerSecond < 0 {
		return nil, errors.New("negative requests per second")
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		burst := int(config.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		base:     base,
		username: config.Username,
		password: config.Password,
		timeout:  config.Timeout,
		limiter:  limiter,
		http:     httpClient,
	}, nil
}

// BaseURL returns the normalized server URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Resolve returns the absolute URL of a path relative to the server base.
func (c *Client) Resolve(p string) *url.URL {
	return c.base.ResolveReference(&url.URL{Path: p})
}

// Get issues an authenticated GET request for rawURL.
//
// The response is returned for any status; callers check StatusCode and
// must close the body. When a timeout is configured it also covers reading
// the body, and closing the body releases it.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, WrapTransport("GET", rawURL, err)
		}
	}

	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "GET", URL: rawURL, Err: err}
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, WrapTransport("GET", rawURL, err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// ListRepositories returns every repository visible to the configured user.
func (c *Client) ListRepositories(ctx context.Context) ([]Repository, error) {
	var repos []Repository
	if err := c.getJSON(ctx, "list repositories", c.Resolve(repositoriesPath).String(), &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// Components fetches one page of the component listing of repository.
// An empty token requests the first page.
func (c *Client) Components(ctx context.Context, repository, token string) (*Page, error) {
	u := c.Resolve(componentsPath)
	q := u.Query()
	q.Set("repository", repository)
	if token != "" {
		q.Set("continuationToken", token)
	}
	u.RawQuery = q.Encode()

	page := &Page{}
	if err := c.getJSON(ctx, "list components", u.String(), page); err != nil {
		return nil, err
	}
	return page, nil
}

func (c *Client) getJSON(ctx context.Context, op, rawURL string, v any) error {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &UpstreamError{
			Op:         op,
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return WrapTransport(op, rawURL, err)
		}
		return errors.Wrapf(err, "%s: decode %s", op, rawURL)
	}
	return nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}
