// Package ratelimit wraps feeds so their requests respect a provider's
// published request rate.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pricerefresh/internal/feed"
	"pricerefresh/internal/instrument"
)

// gate delays a request until it may be sent.
type gate interface {
	wait(ctx context.Context) error
}

// Feed is a feed.Feed whose fetches pass through a gate first. The rest of
// the feed.Feed methods come from the wrapped feed.
type Feed struct {
	feed.Feed
	gate gate
}

func (f *Feed) Unwrap() feed.Feed { return f.Feed }

func (f *Feed) FetchHistorical(ctx context.Context, in instrument.Instrument) (feed.HistoricalResult, error) {
	if err := f.gate.wait(ctx); err != nil {
		return feed.HistoricalResult{}, err
	}
	return f.Feed.FetchHistorical(ctx, in)
}

func (f *Feed) FetchLatest(ctx context.Context, in instrument.Instrument) (*instrument.PricePoint, error) {
	if err := f.gate.wait(ctx); err != nil {
		return nil, err
	}
	return f.Feed.FetchLatest(ctx, in)
}

// TokenBucket limits f to perMinute requests with bursts of up to burst.
func TokenBucket(f feed.Feed, perMinute float64, burst int) *Feed {
	if burst <= 0 {
		burst = 1
	}
	return &Feed{Feed: f, gate: limiter{rate.NewLimiter(rate.Limit(perMinute/60), burst)}}
}

type limiter struct{ *rate.Limiter }

func (l limiter) wait(ctx context.Context) error { return l.Wait(ctx) }

// MinInterval spaces the requests of f at least interval apart. Concurrent
// callers are queued in arrival order.
func MinInterval(f feed.Feed, interval time.Duration) *Feed {
	return &Feed{Feed: f, gate: &spacing{interval: interval}}
}

type spacing struct {
	interval time.Duration
	mu       sync.Mutex
	next     time.Time
}

func (s *spacing) wait(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	s.mu.Lock()
	now := time.Now()
	at := s.next
	if at.Before(now) {
		at = now
	}
	s.next = at.Add(s.interval)
	s.mu.Unlock()

	wait := time.Until(at)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
