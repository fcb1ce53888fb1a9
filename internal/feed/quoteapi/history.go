package quoteapi

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// Bar is the closing price of one trading day.
type Bar struct {
	Date  time.Time
	Close decimal.Decimal
}

// Quote is a live price.
type Quote struct {
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	Time     time.Time       `json:"time"`
}

// History is the daily price history of a symbol. Last is set when the API
// includes the current quote with the history.
type History struct {
	Symbol   string
	Currency string
	Bars     []Bar
	Last     *Quote
	// Warnings are rows the API or the client could not turn into bars.
	Warnings []string
}

type historyResponse struct {
	Symbol   string `json:"symbol"`
	Currency string `json:"currency"`
	Prices   []struct {
		Date  string           `json:"date"`
		Close *decimal.Decimal `json:"close"`
	} `json:"prices"`
	Last     *Quote   `json:"last"`
	Warnings []string `json:"warnings"`
}

// GetHistory retrieves the daily closes of symbol since from.
func (c *Client) GetHistory(ctx context.Context, symbol string, from time.Time, opts ...ClientOption) (*History, error) {
	query := url.Values{}
	if !from.IsZero() {
		query.Set("from", from.UTC().Format(dateLayout))
	}

	var body historyResponse
	if err := c.with(opts).get(ctx, "/v1/history/"+url.PathEscape(symbol), query, &body); err != nil {
		return nil, err
	}

	h := &History{
		Symbol:   body.Symbol,
		Currency: body.Currency,
		Bars:     make([]Bar, 0, len(body.Prices)),
		Last:     body.Last,
		Warnings: body.Warnings,
	}
	for i, p := range body.Prices {
		d, err := time.Parse(dateLayout, p.Date)
		if err != nil {
			h.Warnings = append(h.Warnings, fmt.Sprintf("row %d: bad date %q", i, p.Date))
			continue
		}
		if p.Close == nil {
			h.Warnings = append(h.Warnings, fmt.Sprintf("row %d: missing close for %s", i, p.Date))
			continue
		}
		h.Bars = append(h.Bars, Bar{Date: d, Close: *p.Close})
	}
	return h, nil
}

// GetQuote retrieves the live quote of symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string, opts ...ClientOption) (*Quote, error) {
	var q Quote
	if err := c.with(opts).get(ctx, "/v1/quote/"+url.PathEscape(symbol), nil, &q); err != nil {
		return nil, err
	}
	if q.Time.IsZero() {
		return nil, fmt.Errorf("quote for %s has no time", symbol)
	}
	return &q, nil
}
