// Package storetest holds the behaviour every store.Store must show.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricerefresh/internal/instrument"
	"pricerefresh/internal/store"
)

func day(d int) time.Time { return time.Date(2025, 4, d, 0, 0, 0, 0, time.UTC) }

func point(d int, v string) instrument.PricePoint {
	return instrument.PricePoint{Date: day(d), Value: decimal.RequireFromString(v)}
}

func seed(t *testing.T, ctx context.Context, s store.Store) {
	t.Helper()
	require.NoError(t, s.Upsert(ctx,
		instrument.Instrument{ID: "aapl", PortfolioID: "p", Symbol: "AAPL", Feed: "quotes"},
		instrument.Instrument{ID: "msft", PortfolioID: "p", Symbol: "MSFT", Feed: "quotes", LatestFeed: "live"},
		instrument.Instrument{ID: "house", PortfolioID: "q", Symbol: "HOUSE", Feed: "MANUAL"},
	))
}

// Run exercises a fresh store returned by open.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("instruments by portfolio in insertion order", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()
		seed(t, ctx, s)

		got, err := s.Instruments(ctx, "p")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "aapl", got[0].ID)
		assert.Equal(t, "live", got[1].LatestFeed)

		all, err := s.Instruments(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("upsert keeps refresh state", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()
		seed(t, ctx, s)

		at := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
		require.NoError(t, s.MarkRefreshed(ctx, "aapl", at))
		require.NoError(t, s.MarkBroken(ctx, "aapl", "delisted"))
		require.NoError(t, s.Upsert(ctx, instrument.Instrument{ID: "aapl", PortfolioID: "p", Symbol: "AAPL.O", Feed: "quotes"}))

		got, err := s.Get(ctx, "aapl")
		require.NoError(t, err)
		assert.Equal(t, "AAPL.O", got.Symbol)
		require.NotNil(t, got.LastRefreshed)
		assert.True(t, got.LastRefreshed.Equal(at))
		assert.True(t, got.Broken)
		assert.Equal(t, "delisted", got.BrokenReason)
	})

	t.Run("unbreak", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()
		seed(t, ctx, s)

		require.NoError(t, s.MarkBroken(ctx, "msft", "unknown symbol"))
		require.NoError(t, s.Unbreak(ctx, "msft"))
		got, err := s.Get(ctx, "msft")
		require.NoError(t, err)
		assert.False(t, got.Broken)
		assert.Empty(t, got.BrokenReason)

		require.ErrorIs(t, s.Unbreak(ctx, "nope"), store.ErrNotFound)
		require.ErrorIs(t, s.MarkBroken(ctx, "nope", "x"), store.ErrNotFound)
		_, err = s.Get(ctx, "nope")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("apply historical reports changes", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()
		seed(t, ctx, s)

		changed, err := s.ApplyHistorical(ctx, "aapl", []instrument.PricePoint{point(2, "10.5"), point(1, "10")})
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.ApplyHistorical(ctx, "aapl", []instrument.PricePoint{point(1, "10.00")})
		require.NoError(t, err)
		assert.False(t, changed, "numerically equal value")

		changed, err = s.ApplyHistorical(ctx, "aapl", nil)
		require.NoError(t, err)
		assert.False(t, changed)

		changed, err = s.ApplyHistorical(ctx, "aapl", []instrument.PricePoint{point(2, "11"), point(3, "12")})
		require.NoError(t, err)
		assert.True(t, changed)

		got, err := s.Prices(ctx, "aapl")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.True(t, got[0].Equal(point(1, "10")))
		assert.True(t, got[1].Equal(point(2, "11")))
		assert.True(t, got[2].Equal(point(3, "12")))
	})

	t.Run("apply latest reports changes", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()
		seed(t, ctx, s)

		_, err := s.Latest(ctx, "msft")
		require.ErrorIs(t, err, store.ErrNotFound)

		q := instrument.PricePoint{Date: time.Date(2025, 4, 2, 15, 30, 0, 0, time.UTC), Value: decimal.RequireFromString("401.2")}
		changed, err := s.ApplyLatest(ctx, "msft", q)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.ApplyLatest(ctx, "msft", q)
		require.NoError(t, err)
		assert.False(t, changed)

		q.Value = decimal.RequireFromString("402")
		changed, err = s.ApplyLatest(ctx, "msft", q)
		require.NoError(t, err)
		assert.True(t, changed)

		got, err := s.Latest(ctx, "msft")
		require.NoError(t, err)
		assert.True(t, got.Equal(q))
	})

	t.Run("mark modified counts per portfolio", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()

		n, _, err := s.Modified(ctx, "p")
		require.NoError(t, err)
		assert.Zero(t, n)

		require.NoError(t, s.MarkModified(ctx, "p"))
		require.NoError(t, s.MarkModified(ctx, "p"))
		require.NoError(t, s.MarkModified(ctx, "q"))

		n, at, err := s.Modified(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.False(t, at.IsZero())
	})
}
