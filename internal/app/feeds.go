package app

import (
	"fmt"
	"net/http"
	"time"

	"pricerefresh/internal/config"
	"pricerefresh/internal/feed"
	"pricerefresh/internal/feed/cache"
	"pricerefresh/internal/feed/quoteapi"
	"pricerefresh/internal/feed/quotefeed"
	"pricerefresh/internal/feed/ratelimit"
)

// BuildFeeds creates the configured feeds with their rate limits and caches.
func BuildFeeds(cfgs []config.Feed, httpClient quoteapi.HTTPClient) (*feed.Registry, error) {
	reg := feed.NewRegistry()
	for _, c := range cfgs {
		if c.ID == feed.Manual {
			return nil, fmt.Errorf("feed id %q is reserved", c.ID)
		}
		if _, dup := reg.Feed(c.ID); dup {
			return nil, fmt.Errorf("duplicate feed id %q", c.ID)
		}
		reg.Register(buildFeed(c, httpClient))
	}
	return reg, nil
}

func buildFeed(c config.Feed, httpClient quoteapi.HTTPClient) feed.Feed {
	clientOpts := []quoteapi.ClientOption{
		quoteapi.WithBaseURL(c.BaseURL),
		quoteapi.WithHTTPClient(httpClient),
	}
	if len(c.Headers) > 0 {
		h := make(http.Header, len(c.Headers))
		for k, v := range c.Headers {
			h.Set(k, v)
		}
		clientOpts = append(clientOpts, quoteapi.WithHeader(h))
	}
	if c.DefaultRetryAfterSec > 0 {
		clientOpts = append(clientOpts, quoteapi.WithDefaultRetryAfter(time.Duration(c.DefaultRetryAfterSec)*time.Second))
	}

	var f feed.Feed = quotefeed.New(quotefeed.Config{
		ID:               c.ID,
		HistoryDays:      c.HistoryDays,
		MaxRetryAttempts: c.MaxRetryAttempts,
		MergeRequests:    c.MergeRequests,
		RequiresLogin:    c.RequiresLogin,
	}, quoteapi.NewClient(c.APIKey, clientOpts...))

	// Prefer token bucket with burst if RPM is set, otherwise use min-interval
	if c.MaxRequestsPerMinute > 0 {
		f = ratelimit.TokenBucket(f, c.MaxRequestsPerMinute, c.Burst)
	} else if c.MinRequestIntervalMs > 0 {
		f = ratelimit.MinInterval(f, time.Duration(c.MinRequestIntervalMs)*time.Millisecond)
	}
	if c.CacheTTLSec > 0 {
		f = cache.New(f, time.Duration(c.CacheTTLSec)*time.Second, c.CacheMaxItems)
	}
	return f
}
