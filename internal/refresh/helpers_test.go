package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pricerefresh/internal/feed"
	"pricerefresh/internal/instrument"
	"pricerefresh/internal/series"
)

// fakeStore is an in-memory Store that records every write.
type fakeStore struct {
	mu          sync.Mutex
	instruments []instrument.Instrument
	prices      map[string][]instrument.PricePoint
	latest      map[string]instrument.PricePoint
	refreshed   map[string]time.Time
	broken      map[string]string
	modified    int
}

func newFakeStore(in ...instrument.Instrument) *fakeStore {
	return &fakeStore{
		instruments: in,
		prices:      map[string][]instrument.PricePoint{},
		latest:      map[string]instrument.PricePoint{},
		refreshed:   map[string]time.Time{},
		broken:      map[string]string{},
	}
}

func (s *fakeStore) Instruments(_ context.Context, portfolioID string) ([]instrument.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []instrument.Instrument
	for _, in := range s.instruments {
		if portfolioID != "" && in.PortfolioID != portfolioID {
			continue
		}
		if reason, ok := s.broken[in.ID]; ok {
			in.Broken, in.BrokenReason = true, reason
		}
		if at, ok := s.refreshed[in.ID]; ok {
			in.LastRefreshed = &at
		}
		out = append(out, in)
	}
	return out, nil
}

func (s *fakeStore) ApplyHistorical(_ context.Context, id string, prices []instrument.PricePoint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged, changed := series.Merge(s.prices[id], prices)
	s.prices[id] = merged
	return changed, nil
}

func (s *fakeStore) ApplyLatest(_ context.Context, id string, p instrument.PricePoint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.latest[id]; ok && cur.Equal(p) {
		return false, nil
	}
	s.latest[id] = p
	return true, nil
}

func (s *fakeStore) MarkRefreshed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshed[id] = at
	return nil
}

func (s *fakeStore) MarkBroken(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken[id] = reason
	return nil
}

func (s *fakeStore) MarkModified(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modified++
	return nil
}

func (s *fakeStore) modifiedCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modified
}

// recordingPublisher keeps every snapshot it receives.
type recordingPublisher struct {
	mu        sync.Mutex
	latest    []Run
	published []Snapshot
	completed []Snapshot
}

func (p *recordingPublisher) SetLatestRun(r Run) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = append(p.latest, r)
}

func (p *recordingPublisher) Publish(_ Run, s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, s)
}

func (p *recordingPublisher) Complete(_ Run, s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, s)
}

type promptRecorder struct {
	mu    sync.Mutex
	feeds []string
}

func (p *promptRecorder) RequestLogin(feedID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feeds = append(p.feeds, feedID)
}

func (p *promptRecorder) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.feeds...)
}

// scriptFeed answers fetches with the configured functions and records calls.
// The grouping key is the instrument's FeedURL, falling back to the feed id.
type scriptFeed struct {
	id         string
	attempts   int
	merge      bool
	login      bool
	historical func(instrument.Instrument) (feed.HistoricalResult, error)
	latest     func(instrument.Instrument) (*instrument.PricePoint, error)

	mu    sync.Mutex
	calls []string
}

func (f *scriptFeed) ID() string { return f.id }

func (f *scriptFeed) record(kind feed.Kind, in instrument.Instrument) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind.String()+":"+in.ID)
}

func (f *scriptFeed) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *scriptFeed) FetchHistorical(_ context.Context, in instrument.Instrument) (feed.HistoricalResult, error) {
	f.record(feed.Historical, in)
	if f.historical == nil {
		return feed.HistoricalResult{}, nil
	}
	return f.historical(in)
}

func (f *scriptFeed) FetchLatest(_ context.Context, in instrument.Instrument) (*instrument.PricePoint, error) {
	f.record(feed.Latest, in)
	if f.latest == nil {
		return nil, nil
	}
	return f.latest(in)
}

func (f *scriptFeed) GroupingKey(in instrument.Instrument, _ feed.Kind) string {
	if in.FeedURL != "" {
		return in.FeedURL
	}
	return f.id
}

func (f *scriptFeed) MaxRetryAttempts() int {
	if f.attempts == 0 {
		return 3
	}
	return f.attempts
}

func (f *scriptFeed) MergeRequests() bool { return f.merge }
func (f *scriptFeed) RequiresLogin() bool { return f.login }

func price(day int, v int64) instrument.PricePoint {
	return instrument.PricePoint{
		Date:  time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC),
		Value: decimal.NewFromInt(v),
	}
}

// freshPrices returns a distinct series on every call so each fetch modifies.
func freshPrices() func(instrument.Instrument) (feed.HistoricalResult, error) {
	var mu sync.Mutex
	n := int64(0)
	return func(instrument.Instrument) (feed.HistoricalResult, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return feed.HistoricalResult{Prices: []instrument.PricePoint{price(1, n)}}, nil
	}
}

func inst(id, feedID string) instrument.Instrument {
	return instrument.Instrument{ID: id, PortfolioID: "p", Symbol: id, Feed: feedID}
}
