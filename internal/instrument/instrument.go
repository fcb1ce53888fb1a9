package instrument

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument is a tracked security whose prices are refreshed from a feed.
type Instrument struct {
	ID          string `json:"id" yaml:"id"`
	PortfolioID string `json:"portfolio_id" yaml:"portfolio"`
	Symbol      string `json:"symbol" yaml:"symbol"`
	// Feed is the id of the feed serving historical prices. Empty means
	// no feed is configured.
	Feed string `json:"feed" yaml:"feed"`
	// LatestFeed optionally names a different feed for the latest quote.
	LatestFeed string `json:"latest_feed,omitempty" yaml:"latest_feed"`
	// FeedURL optionally overrides the endpoint the feed uses for this instrument.
	FeedURL string `json:"feed_url,omitempty" yaml:"feed_url"`

	LastRefreshed *time.Time `json:"last_refreshed,omitempty" yaml:"-"`
	Broken        bool       `json:"broken" yaml:"-"`
	BrokenReason  string     `json:"broken_reason,omitempty" yaml:"-"`
}

// LatestFeedID returns the feed responsible for the latest quote.
func (i Instrument) LatestFeedID() string {
	if i.LatestFeed != "" {
		return i.LatestFeed
	}
	return i.Feed
}

// PricePoint is a single dated price.
type PricePoint struct {
	Date  time.Time       `json:"date"`
	Value decimal.Decimal `json:"value"`
}

// Equal reports whether both points carry the same date and value.
func (p PricePoint) Equal(o PricePoint) bool {
	return p.Date.Equal(o.Date) && p.Value.Equal(o.Value)
}
