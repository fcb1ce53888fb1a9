// Package httpx builds the HTTP client shared by the feeds.
package httpx

import (
	"net"
	"net/http"
	"time"
)

const defaultUserAgent = "price-refresh/1.0"

// Config tunes the shared client. Zero fields take defaults.
type Config struct {
	Timeout time.Duration
	// MaxConnsPerHost bounds connections to one feed host. Group workers
	// send one request per host at a time, so a few suffice.
	MaxConnsPerHost int
	UserAgent       string
}

// Client satisfies quoteapi.HTTPClient.
type Client struct {
	HTTP      *http.Client
	UserAgent string
}

func New(cfg Config) *Client {
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 4
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.Timeout > 0 {
		transport.ResponseHeaderTimeout = cfg.Timeout
	}
	return &Client{HTTP: &http.Client{Timeout: cfg.Timeout, Transport: transport}, UserAgent: cfg.UserAgent}
}

// Do sends req, setting the client's User-Agent unless req carries one.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	return c.HTTP.Do(req)
}
