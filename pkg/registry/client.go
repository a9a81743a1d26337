package registry

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Timeouts are the transport defaults; blob uploads get a much larger
// overall budget than metadata requests.
const (
	DefaultConnectTimeout = 20 * time.Second
	DefaultReadTimeout    = 20 * time.Second
	DefaultRequestTimeout = 60 * time.Second
	DefaultUploadTimeout  = 15 * time.Minute
)

// Options configure a client for one registry/repository pair.
type Options struct {
	// Insecure allows plain HTTP and skips TLS verification.
	Insecure bool

	// Credentials are tried in order when a challenge arrives.
	Credentials []CredentialRetriever

	// PushScope requests push access in token scopes. Pull-only clients
	// leave it false.
	PushScope bool

	// Retry overrides the default backoff policy.
	Retry *RetryConfig

	// UserAgent overrides the default User-Agent header.
	UserAgent string

	// Logger receives debug-level protocol logging.
	Logger *zap.SugaredLogger
}

// Client speaks the distribution API v2 for a single repository. It never
// buffers layer bodies; blob transfer flows through producers and sinks.
type Client struct {
	registry   string
	repository string
	scheme     string
	httpClient *http.Client
	uploads    *http.Client
	auth       *Authenticator
	retry      *RetryConfig
	userAgent  string
	pushScope  bool
	log        *zap.SugaredLogger
}

// New creates a client for registry (a host, optionally with port) and
// repository.
func New(registry, repository string, opts Options) *Client {
	scheme := "https"
	if opts.Insecure {
		scheme = "http"
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.Insecure,
		},
		DialContext:           (&net.Dialer{Timeout: DefaultConnectTimeout}).DialContext,
		ResponseHeaderTimeout: DefaultReadTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	retry := opts.Retry
	if retry == nil {
		retry = DefaultRetryConfig()
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "stoker/1.0"
	}

	httpClient := &http.Client{Transport: transport, Timeout: DefaultRequestTimeout}
	uploads := &http.Client{Transport: transport, Timeout: DefaultUploadTimeout}

	return &Client{
		registry:   registry,
		repository: repository,
		scheme:     scheme,
		httpClient: httpClient,
		uploads:    uploads,
		auth:       NewAuthenticator(registry, repository, opts.Credentials, httpClient, log),
		retry:      retry,
		userAgent:  userAgent,
		pushScope:  opts.PushScope,
		log:        log,
	}
}

// Ping hits the API version endpoint. Its main purpose is forcing the
// authentication handshake up front so later steps start with a valid
// Authorization handle.
func (c *Client) Ping(ctx context.Context) error {
	u := fmt.Sprintf("%s://%s/v2/", c.scheme, c.registry)
	resp, err := c.do(ctx, requestSpec{method: http.MethodGet, url: u, retryableBody: true})
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fail(resp, http.MethodGet, u)
	}
	return nil
}

// Registry returns the registry host.
func (c *Client) Registry() string { return c.registry }

// Repository returns the repository this client addresses.
func (c *Client) Repository() string { return c.repository }

// url builds an endpoint URL under /v2/<repository>/.
func (c *Client) url(suffix string) string {
	return fmt.Sprintf("%s://%s/v2/%s/%s", c.scheme, c.registry, c.repository, suffix)
}

func (c *Client) scope() string {
	if c.pushScope {
		return fmt.Sprintf("repository:%s:pull,push", c.repository)
	}
	return fmt.Sprintf("repository:%s:pull", c.repository)
}

// requestSpec describes one endpoint call. build is invoked for every
// attempt so request bodies are fresh; retryableBody gates transport
// retries for requests with non-idempotent bodies.
type requestSpec struct {
	method        string
	url           string
	build         func(req *http.Request) error
	retryableBody bool
	client        *http.Client
}

// do runs the send loop: build, send, answer one 401 challenge via the
// authenticator, retry transport-level failures with backoff. The caller
// owns the response body on success.
func (c *Client) do(ctx context.Context, spec requestSpec) (*http.Response, error) {
	httpClient := spec.client
	if httpClient == nil {
		httpClient = c.httpClient
	}

	refreshed := false
	var resp *http.Response

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, spec.method, spec.url, nil)
		if err != nil {
			return errors.Wrap(err, "failed to build request")
		}
		req.Header.Set("User-Agent", c.userAgent)
		if spec.build != nil {
			if err := spec.build(req); err != nil {
				return err
			}
		}
		if auth := c.auth.Authorization(); auth != nil {
			req.Header.Set("Authorization", auth.HeaderValue())
		}

		r, err := httpClient.Do(req)
		if err != nil {
			if spec.retryableBody || req.Body == nil {
				return err
			}
			// One-shot body: surface the failure without retrying.
			return markPermanent(err)
		}

		if r.StatusCode == http.StatusUnauthorized {
			header := r.Header.Get("WWW-Authenticate")
			drainAndClose(r.Body)
			if refreshed {
				return &UnauthorizedError{Registry: c.registry, Repository: c.repository}
			}
			refreshed = true
			if _, err := c.auth.Refresh(ctx, header, c.scope()); err != nil {
				return err
			}
			// Retry with the fresh token after the usual backoff delay.
			return markRetryable(errors.New("retrying after token refresh"))
		}

		if isRetryableStatus(r.StatusCode) {
			body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			drainAndClose(r.Body)
			if !spec.retryableBody && req.Body != nil {
				return newError(r.StatusCode, spec.method, spec.url, body)
			}
			return markRetryable(newError(r.StatusCode, spec.method, spec.url, body))
		}

		resp = r
		return nil
	}

	if err := retryWithBackoff(ctx, c.retry, attempt); err != nil {
		return nil, err
	}
	return resp, nil
}

// fail converts a non-success response into an *Error, consuming the body.
func fail(resp *http.Response, method, url string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	drainAndClose(resp.Body)
	return newError(resp.StatusCode, method, url, body)
}

func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 1<<16))
	body.Close()
}

// resolveLocation absolutizes an upload Location header against the
// registry base.
func (c *Client) resolveLocation(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", errors.Wrap(err, "malformed Location header")
	}
	if u.IsAbs() {
		return location, nil
	}
	base := &url.URL{Scheme: c.scheme, Host: c.registry}
	return base.ResolveReference(u).String(), nil
}
