// Package feed defines the contract between the refresh engine and the
// external price providers ("feeds").
package feed

import (
	"context"
	"sync"

	"pricerefresh/internal/instrument"
)

// Manual is the feed id of instruments priced by hand. They are never fetched.
const Manual = "MANUAL"

// Kind distinguishes the two refresh operations a feed serves.
type Kind int

const (
	Historical Kind = iota
	Latest
)

func (k Kind) String() string {
	switch k {
	case Historical:
		return "historical"
	case Latest:
		return "latest"
	default:
		return "unknown"
	}
}

// HistoricalResult is the result of a historical fetch.
type HistoricalResult struct {
	Prices []instrument.PricePoint
	// Latest is set by feeds that answer both kinds in one request.
	Latest *instrument.PricePoint
	// Errors are non-fatal problems, e.g. rows that could not be parsed.
	Errors []error
}

// Feed is a price provider.
//
//go:generate mockgen -package=refresh -destination=../refresh/mock_feed_test.go -source=feed.go Feed
type Feed interface {
	ID() string
	FetchHistorical(ctx context.Context, in instrument.Instrument) (HistoricalResult, error)
	// FetchLatest returns nil when the feed has no quote for the instrument.
	FetchLatest(ctx context.Context, in instrument.Instrument) (*instrument.PricePoint, error)
	// GroupingKey names the resource shared by requests for in, typically
	// the provider host. At most one request per key is in flight.
	GroupingKey(in instrument.Instrument, kind Kind) string
	// MaxRetryAttempts is the number of rate-limited attempts a group
	// makes before giving up.
	MaxRetryAttempts() int
	// MergeRequests reports whether a historical fetch also yields the
	// latest quote, making a separate latest request redundant.
	MergeRequests() bool
}

// LoginRequirer is implemented by feeds that need an interactive login.
type LoginRequirer interface {
	RequiresLogin() bool
}

// Unwrapper is implemented by feed decorators.
type Unwrapper interface {
	Unwrap() Feed
}

// RequiresLogin reports whether f, or any feed it decorates, needs a login.
func RequiresLogin(f Feed) bool {
	for f != nil {
		if lr, ok := f.(LoginRequirer); ok && lr.RequiresLogin() {
			return true
		}
		u, ok := f.(Unwrapper)
		if !ok {
			return false
		}
		f = u.Unwrap()
	}
	return false
}

// Lookup resolves feeds by id.
type Lookup interface {
	Feed(id string) (Feed, bool)
}

// Registry is a concurrency-safe Lookup.
type Registry struct {
	mu    sync.RWMutex
	feeds map[string]Feed
}

func NewRegistry(feeds ...Feed) *Registry {
	r := &Registry{feeds: make(map[string]Feed, len(feeds))}
	for _, f := range feeds {
		r.Register(f)
	}
	return r
}

// Register adds f, replacing any feed with the same id.
func (r *Registry) Register(f Feed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[f.ID()] = f
}

func (r *Registry) Feed(id string) (Feed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.feeds[id]
	return f, ok
}

// IDs lists the registered feed ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.feeds))
	for id := range r.feeds {
		out = append(out, id)
	}
	return out
}
