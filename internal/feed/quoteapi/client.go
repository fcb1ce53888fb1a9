// Package quoteapi is a client for a JSON market-data API serving daily
// price history and live quotes per symbol.
package quoteapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pricerefresh/internal/feed"
)

const (
	defaultBaseURL    = "https://api.quotes.example.com"
	defaultRetryAfter = 2 * time.Second
	maxErrorBody      = 512
)

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=quoteapi_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a client for the quote API.
type Client struct {
	// baseURL is the base URL for the API.
	baseURL string
	// httpClient is the HTTP client.
	httpClient HTTPClient
	// header contains additional headers to be sent with each request.
	header http.Header
	// query contains additional query parameters to be sent with each request.
	query url.Values
	// retryAfter is used when a 429 response carries no usable Retry-After.
	retryAfter time.Duration
}

// ClientOption is a configuration option for the quote API client.
type ClientOption func(*Client)

// WithBaseURL sets the base URL for the API.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient sets the HTTP client for the API.
func WithHTTPClient(httpClient HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithHeader sets additional headers to be sent with each request.
func WithHeader(header http.Header) ClientOption {
	return func(c *Client) {
		for key, values := range header {
			for _, value := range values {
				c.header.Add(key, value)
			}
		}
	}
}

// WithDefaultRetryAfter sets the wait reported for throttled responses
// without a Retry-After header. Zero makes such responses fail immediately.
func WithDefaultRetryAfter(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryAfter = d
	}
}

// NewClient creates a new quote API client. A non-empty key is sent as the
// api_key query parameter.
func NewClient(key string, options ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		header:     http.Header{},
		query:      url.Values{},
		retryAfter: defaultRetryAfter,
	}
	if key != "" {
		c.query.Add("api_key", key)
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// BaseURL returns the base URL requests are sent to.
func (c *Client) BaseURL() string { return c.baseURL }

// with returns a copy of c with per-call options applied.
func (c *Client) with(opts []ClientOption) *Client {
	override := &Client{
		baseURL:    c.baseURL,
		httpClient: c.httpClient,
		header:     c.header.Clone(),
		query:      maps.Clone(c.query),
		retryAfter: c.retryAfter,
	}
	for _, opt := range opts {
		opt(override)
	}
	return override
}

// get performs a GET request on path and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	q := url.Values{}
	for _, src := range []url.Values{c.query, query} {
		for k, vs := range src {
			q[k] = append(q[k], vs...)
		}
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.header.Clone()
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer res.Body.Close()

	if err := c.checkStatus(res); err != nil {
		return err
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// checkStatus maps HTTP failures to the feed fault errors.
func (c *Client) checkStatus(res *http.Response) error {
	switch res.StatusCode {
	case http.StatusOK:
		return nil

	case http.StatusUnauthorized, http.StatusForbidden:
		return feed.AuthExpired(fmt.Sprintf("quote api: %s", http.StatusText(res.StatusCode)))

	case http.StatusNotFound:
		return feed.Permanent("unknown symbol", fmt.Errorf("quote api: %s", errorBody(res)))

	case http.StatusTooManyRequests:
		return feed.RateLimited(retryAfter(res.Header.Get("Retry-After"), c.retryAfter), "")

	case http.StatusBadRequest:
		return fmt.Errorf("bad request: %s", errorBody(res))

	default:
		return fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}
}

func errorBody(res *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return e.Error
	}
	if s := strings.TrimSpace(string(b)); s != "" {
		return s
	}
	return http.StatusText(res.StatusCode)
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string, fallback time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0)
	}
	return fallback
}
