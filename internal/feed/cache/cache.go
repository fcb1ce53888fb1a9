// Package cache keeps recent latest quotes so repeated runs within a short
// window do not hit the provider again.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"pricerefresh/internal/feed"
	"pricerefresh/internal/instrument"
)

// entry stores the latest quote of one instrument with expiry.
type entry struct {
	expiresAt time.Time
	quote     instrument.PricePoint
}

// Feed caches FetchLatest results per instrument for TTL. Historical
// fetches pass through. A transient failure is answered from an expired
// entry when one is still held; provider faults (rate limit, permanent,
// auth) always propagate.
type Feed struct {
	feed.Feed
	TTL      time.Duration
	MaxItems int

	mu    sync.RWMutex
	items map[string]entry // key: feed id and instrument id
	now   func() time.Time
}

func New(f feed.Feed, ttl time.Duration, maxItems int) *Feed {
	return &Feed{Feed: f, TTL: ttl, MaxItems: maxItems, items: make(map[string]entry), now: time.Now}
}

func (c *Feed) Unwrap() feed.Feed { return c.Feed }

func (c *Feed) key(in instrument.Instrument) string {
	return c.Feed.ID() + "\x00" + in.ID
}

func (c *Feed) FetchLatest(ctx context.Context, in instrument.Instrument) (*instrument.PricePoint, error) {
	if c.TTL <= 0 {
		return c.Feed.FetchLatest(ctx, in)
	}

	k := c.key(in)
	now := c.now()
	c.mu.RLock()
	e, ok := c.items[k]
	c.mu.RUnlock()
	if ok && now.Before(e.expiresAt) {
		q := e.quote
		return &q, nil
	}

	p, err := c.Feed.FetchLatest(ctx, in)
	if err != nil {
		if ok && !isFault(err) {
			q := e.quote
			return &q, nil
		}
		return nil, err
	}
	if p == nil {
		return nil, nil
	}

	c.mu.Lock()
	c.items[k] = entry{expiresAt: now.Add(c.TTL), quote: *p}
	c.evict(now)
	c.mu.Unlock()
	return p, nil
}

// evict caps the cache size: expired entries go first, then arbitrary ones.
// Callers hold c.mu.
func (c *Feed) evict(now time.Time) {
	if c.MaxItems <= 0 || len(c.items) <= c.MaxItems {
		return
	}
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
	for k := range c.items {
		if len(c.items) <= c.MaxItems {
			break
		}
		delete(c.items, k)
	}
}

// Len reports how many quotes are held.
func (c *Feed) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func isFault(err error) bool {
	var (
		rl   *feed.RateLimitError
		perm *feed.PermanentError
		auth *feed.AuthExpiredError
	)
	return errors.As(err, &rl) || errors.As(err, &perm) || errors.As(err, &auth)
}
