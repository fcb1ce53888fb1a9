package progress

import (
	"sync"

	"pricerefresh/internal/refresh"
)

// LatestListener keeps the most recent snapshot of every portfolio.
type LatestListener struct {
	mu    sync.RWMutex
	snaps map[string]refresh.Snapshot
}

func NewLatestListener() *LatestListener {
	return &LatestListener{snaps: make(map[string]refresh.Snapshot)}
}

func (l *LatestListener) OnProgress(run refresh.Run, s refresh.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snaps[run.PortfolioID] = s
}

// Snapshot returns the last snapshot seen for portfolioID.
func (l *LatestListener) Snapshot(portfolioID string) (refresh.Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.snaps[portfolioID]
	return s, ok
}
