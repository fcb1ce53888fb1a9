// Package quotefeed serves instrument prices from the quote API.
package quotefeed

import (
	"context"
	"errors"
	"net/url"
	"time"

	"pricerefresh/internal/feed"
	"pricerefresh/internal/feed/quoteapi"
	"pricerefresh/internal/instrument"
)

type Config struct {
	ID string // feed id instruments refer to
	// HistoryDays bounds how far back a historical fetch asks for prices.
	// Zero asks for the full history.
	HistoryDays int
	// MaxRetryAttempts is the rate-limit budget of a group; default 3.
	MaxRetryAttempts int
	// MergeRequests makes historical fetches deliver the latest quote too.
	MergeRequests bool
	// RequiresLogin marks feeds behind an interactive session.
	RequiresLogin bool
}

type Adapter struct {
	cfg    Config
	client *quoteapi.Client
	now    func() time.Time
}

var (
	_ feed.Feed          = (*Adapter)(nil)
	_ feed.LoginRequirer = (*Adapter)(nil)
)

func New(cfg Config, client *quoteapi.Client) *Adapter {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	return &Adapter{cfg: cfg, client: client, now: time.Now}
}

func (a *Adapter) ID() string            { return a.cfg.ID }
func (a *Adapter) MaxRetryAttempts() int { return a.cfg.MaxRetryAttempts }
func (a *Adapter) MergeRequests() bool   { return a.cfg.MergeRequests }
func (a *Adapter) RequiresLogin() bool   { return a.cfg.RequiresLogin }

// GroupingKey is the API host the instrument is fetched from; both kinds
// share the host's limits.
func (a *Adapter) GroupingKey(in instrument.Instrument, _ feed.Kind) string {
	base := a.client.BaseURL()
	if in.FeedURL != "" {
		base = in.FeedURL
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return a.cfg.ID + "|" + base
	}
	return u.Host
}

func (a *Adapter) options(in instrument.Instrument) []quoteapi.ClientOption {
	if in.FeedURL == "" {
		return nil
	}
	return []quoteapi.ClientOption{quoteapi.WithBaseURL(in.FeedURL)}
}

func (a *Adapter) FetchHistorical(ctx context.Context, in instrument.Instrument) (feed.HistoricalResult, error) {
	var from time.Time
	if a.cfg.HistoryDays > 0 {
		from = a.now().AddDate(0, 0, -a.cfg.HistoryDays)
	}
	h, err := a.client.GetHistory(ctx, in.Symbol, from, a.options(in)...)
	if err != nil {
		return feed.HistoricalResult{}, err
	}

	out := feed.HistoricalResult{Prices: make([]instrument.PricePoint, 0, len(h.Bars))}
	for _, b := range h.Bars {
		out.Prices = append(out.Prices, instrument.PricePoint{Date: b.Date, Value: b.Close})
	}
	if a.cfg.MergeRequests && h.Last != nil {
		out.Latest = &instrument.PricePoint{Date: h.Last.Time.UTC(), Value: h.Last.Price}
	}
	for _, w := range h.Warnings {
		out.Errors = append(out.Errors, errors.New(w))
	}
	return out, nil
}

func (a *Adapter) FetchLatest(ctx context.Context, in instrument.Instrument) (*instrument.PricePoint, error) {
	q, err := a.client.GetQuote(ctx, in.Symbol, a.options(in)...)
	if err != nil {
		return nil, err
	}
	return &instrument.PricePoint{Date: q.Time.UTC(), Value: q.Price}, nil
}
