// Package store defines the instrument store shared by the memory and
// sqlite implementations.
package store

import (
	"context"
	"errors"
	"time"

	"pricerefresh/internal/instrument"
	"pricerefresh/internal/refresh"
)

var ErrNotFound = errors.New("not found")

// Store persists instruments, their prices and refresh bookkeeping.
type Store interface {
	refresh.Store

	// Upsert creates or updates instrument definitions. Refresh state
	// (last refresh time and the broken flag) of existing rows is kept.
	Upsert(ctx context.Context, instruments ...instrument.Instrument) error
	Get(ctx context.Context, instrumentID string) (instrument.Instrument, error)
	// Unbreak clears the permanently-broken flag so future runs fetch again.
	Unbreak(ctx context.Context, instrumentID string) error
	Prices(ctx context.Context, instrumentID string) ([]instrument.PricePoint, error)
	Latest(ctx context.Context, instrumentID string) (instrument.PricePoint, error)
	// Modified reports how often the portfolio was marked modified and when
	// it last was.
	Modified(ctx context.Context, portfolioID string) (int, time.Time, error)
	Close() error
}
