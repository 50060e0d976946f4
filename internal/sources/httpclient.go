package sources

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"restlink/internal/errors"
	"restlink/internal/restaurant"
	"restlink/internal/version"
)

const (
	// DefaultTimeout bounds a single HTTP exchange when the caller sets no deadline
	DefaultTimeout = 15 * time.Second

	// DefaultMaxBodySize caps how much of a response is read
	DefaultMaxBodySize = 4 << 20
)

// HTTPOptions configures an HTTPClient
type HTTPOptions struct {
	Timeout     time.Duration
	UserAgent   string
	Header      http.Header
	WithCookies bool
	MaxBodySize int64
	Transport   http.RoundTripper
}

// HTTPClient performs single, unretried requests against one source and classifies failures.
// Retry belongs to the connection manager.
type HTTPClient struct {
	source      restaurant.SourceID
	baseURL     string
	client      *http.Client
	userAgent   string
	header      http.Header
	maxBodySize int64
}

// NewHTTPClient creates a client for baseURL
func NewHTTPClient(source restaurant.SourceID, baseURL string, opts HTTPOptions) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	client := &http.Client{Timeout: timeout, Transport: opts.Transport}
	if opts.WithCookies {
		jar, _ := cookiejar.New(nil)
		client.Jar = jar
	}

	return &HTTPClient{
		source:      source,
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      client,
		userAgent:   userAgent,
		header:      opts.Header,
		maxBodySize: maxBody,
	}
}

// BaseURL returns the configured base URL
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// ResetSession drops pooled connections and cookies so the next request starts a fresh session
func (c *HTTPClient) ResetSession() {
	c.client.CloseIdleConnections()
	if c.client.Jar != nil {
		jar, _ := cookiejar.New(nil)
		c.client.Jar = jar
	}
}

// Get performs a GET request and returns the body of a 2xx response
func (c *HTTPClient) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, errors.New(errors.InvalidInput, string(c.source), "invalid request URL", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.New(errors.InvalidInput, string(c.source), "failed to create request", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.classifyNetworkError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize))
	if err != nil {
		return nil, c.classifyNetworkError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.statusError(resp.StatusCode, body)
	}
	return body, nil
}

func (c *HTTPClient) classifyNetworkError(ctx context.Context, err error) error {
	source := string(c.source)
	if goerrors.Is(ctx.Err(), context.Canceled) {
		return errors.New(errors.Canceled, source, "request canceled", err)
	}

	var netErr net.Error
	if goerrors.Is(err, context.DeadlineExceeded) || (goerrors.As(err, &netErr) && netErr.Timeout()) {
		return errors.New(errors.Timeout, source, "request timed out", err)
	}
	return errors.Transport(source, "request failed", err)
}

// statusError maps a non-2xx status to the transport taxonomy
func (c *HTTPClient) statusError(status int, body []byte) error {
	source := string(c.source)
	msg := fmt.Sprintf("HTTP %d", status)
	if snippet := strings.TrimSpace(string(body)); snippet != "" {
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		msg += ": " + snippet
	}

	switch {
	case status == http.StatusTooManyRequests:
		return errors.New(errors.RateLimited, source, msg, nil).WithStatus(status)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errors.New(errors.Timeout, source, msg, nil).WithStatus(status)
	case status >= 500:
		return errors.Transport(source, msg, nil).WithStatus(status)
	default:
		return errors.New(errors.RequestRejected, source, msg, nil).WithStatus(status)
	}
}
