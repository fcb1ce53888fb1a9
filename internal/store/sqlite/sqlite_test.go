package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pricerefresh/internal/instrument"
	"pricerefresh/internal/store"
	"pricerefresh/internal/store/storetest"
)

func open(t *testing.T) store.Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "prices.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, open)
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(t.Context(), instrument.Instrument{ID: "a", PortfolioID: "p", Symbol: "A", Feed: "quotes"}))
	require.NoError(t, s.MarkBroken(t.Context(), "a", "gone"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(t.Context(), "a")
	require.NoError(t, err)
	require.True(t, got.Broken)
}

func TestApplyHistorical_UnknownInstrument(t *testing.T) {
	s := open(t)
	_, err := s.ApplyHistorical(t.Context(), "nope", nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}
