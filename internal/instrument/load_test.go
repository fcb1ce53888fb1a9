package instrument

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "instruments.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadFile_DefaultsPortfolioAndSymbol(t *testing.T) {
	t.Parallel()

	p := writeSeed(t, `
instruments:
  - id: AAPL
    feed: yahoo
  - id: msci-world
    portfolio: retirement
    symbol: IWDA.AS
    feed: yahoo
    latest_feed: ecb
  - id: house
    feed: MANUAL
`)
	got, err := LoadFile(p, "default")
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.Equal(t, "default", got[0].PortfolioID)
	require.Equal(t, "AAPL", got[0].Symbol)
	require.Equal(t, "yahoo", got[0].LatestFeedID())

	require.Equal(t, "retirement", got[1].PortfolioID)
	require.Equal(t, "IWDA.AS", got[1].Symbol)
	require.Equal(t, "ecb", got[1].LatestFeedID())
}

func TestLoadFile_RejectsDuplicateAndMissingIDs(t *testing.T) {
	t.Parallel()

	_, err := LoadFile(writeSeed(t, "instruments:\n  - id: A\n  - id: A\n"), "p")
	require.ErrorContains(t, err, "duplicate")

	_, err = LoadFile(writeSeed(t, "instruments:\n  - symbol: B\n"), "p")
	require.ErrorIs(t, err, errMissingID)
}

func TestLoadFile_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"), "p")
	require.Error(t, err)
}
