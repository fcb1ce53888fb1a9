package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"pricerefresh/internal/feed"
	"pricerefresh/internal/instrument"
)

func historicalOnly() Options {
	return Options{PortfolioID: "p", IncludeHistorical: true}
}

func stubMockFeed(f *MockFeed, id, key string, attempts int) {
	f.EXPECT().ID().Return(id).AnyTimes()
	f.EXPECT().GroupingKey(gomock.Any(), gomock.Any()).Return(key).AnyTimes()
	f.EXPECT().MaxRetryAttempts().Return(attempts).AnyTimes()
	f.EXPECT().MergeRequests().Return(false).AnyTimes()
}

func TestRun_RateLimitBudgetExhaustionFailsWholeGroup(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	f := NewMockFeed(ctrl)
	stubMockFeed(f, "F1", "api.example.com", 2)

	var mu sync.Mutex
	var fetched []string
	f.EXPECT().FetchHistorical(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, in instrument.Instrument) (feed.HistoricalResult, error) {
			mu.Lock()
			fetched = append(fetched, in.ID)
			mu.Unlock()
			return feed.HistoricalResult{}, feed.RateLimited(time.Millisecond, "slow down")
		}).
		Times(2)

	store := newFakeStore(inst("a", "F1"), inst("b", "F1"), inst("c", "F1"))
	s, err := New(store, feed.NewRegistry(f)).Run(t.Context(), historicalOnly())
	require.NoError(t, err)

	require.Equal(t, []string{"a", "a"}, fetched)
	for _, e := range s.Entries {
		require.Equal(t, StateError, e.Historical.State, e.InstrumentID)
		require.Equal(t, "slow down", e.Historical.Message)
	}
	require.True(t, s.Done())
}

func TestRun_NonPositiveRetryAfterFailsImmediately(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	f := NewMockFeed(ctrl)
	stubMockFeed(f, "F1", "k", 5)
	f.EXPECT().FetchHistorical(gomock.Any(), gomock.Any()).
		Return(feed.HistoricalResult{}, feed.RateLimited(0, "")).
		Times(1)

	store := newFakeStore(inst("a", "F1"), inst("b", "F1"))
	s, err := New(store, feed.NewRegistry(f)).Run(t.Context(), historicalOnly())
	require.NoError(t, err)
	for _, e := range s.Entries {
		require.Equal(t, StateError, e.Historical.State)
	}
}

func TestRun_AuthExpiredAbortsOnlyItsGroup(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	f := NewMockFeed(ctrl)
	stubMockFeed(f, "F1", "bank", 3)
	gomock.InOrder(
		f.EXPECT().FetchHistorical(gomock.Any(), gomock.Any()).
			Return(feed.HistoricalResult{Prices: []instrument.PricePoint{price(1, 10)}}, nil),
		f.EXPECT().FetchHistorical(gomock.Any(), gomock.Any()).
			Return(feed.HistoricalResult{}, feed.AuthExpired("session expired")),
	)
	other := &scriptFeed{id: "F2", historical: freshPrices()}

	store := newFakeStore(
		inst("i1", "F1"), inst("i2", "F1"), inst("i3", "F1"), inst("i4", "F1"), inst("i5", "F1"),
		inst("x", "F2"),
	)
	prompts := &promptRecorder{}
	o := New(store, feed.NewRegistry(f, other), WithAuthPrompter(prompts))

	s, err := o.Run(t.Context(), historicalOnly())
	require.NoError(t, err)

	e, _ := s.Status("i1")
	require.Equal(t, StateModified, e.Historical.State)
	for _, id := range []string{"i2", "i3", "i4", "i5"} {
		e, _ := s.Status(id)
		require.Equal(t, StateError, e.Historical.State, id)
		require.Equal(t, "session expired", e.Historical.Message, id)
	}
	e, _ = s.Status("x")
	require.Equal(t, StateModified, e.Historical.State)
	require.Equal(t, []string{"F1"}, prompts.calls())
}

func TestRun_AuthPromptCanBeSuppressed(t *testing.T) {
	t.Parallel()

	f := &scriptFeed{id: "F1", historical: func(instrument.Instrument) (feed.HistoricalResult, error) {
		return feed.HistoricalResult{}, feed.AuthExpired("")
	}}
	prompts := &promptRecorder{}
	o := New(newFakeStore(inst("a", "F1")), feed.NewRegistry(f), WithAuthPrompter(prompts))

	opts := historicalOnly()
	opts.SuppressAuthPrompt = true
	_, err := o.Run(t.Context(), opts)
	require.NoError(t, err)
	require.Empty(t, prompts.calls())
}

func TestRun_InteractiveRunAsksForLoginUpFront(t *testing.T) {
	t.Parallel()

	needsLogin := &scriptFeed{id: "L", login: true}
	plain := &scriptFeed{id: "P"}
	store := newFakeStore(inst("a", "L"), inst("b", "L"), inst("c", "P"))
	prompts := &promptRecorder{}
	o := New(store, feed.NewRegistry(needsLogin, plain), WithAuthPrompter(prompts))

	_, err := o.Run(t.Context(), historicalOnly())
	require.NoError(t, err)
	require.Empty(t, prompts.calls())

	opts := historicalOnly()
	opts.Interactive = true
	_, err = o.Run(t.Context(), opts)
	require.NoError(t, err)
	require.Equal(t, []string{"L"}, prompts.calls())
}

func TestRun_SameKeyNeverOverlapsDifferentKeysDo(t *testing.T) {
	t.Parallel()

	var (
		mu          sync.Mutex
		inflight    = map[string]int{}
		arrived     = map[string]bool{}
		violations  int
		overlapSeen bool
		both        = make(chan struct{})
		bothOnce    sync.Once
	)
	f := &scriptFeed{id: "F", historical: func(in instrument.Instrument) (feed.HistoricalResult, error) {
		key := in.FeedURL
		mu.Lock()
		inflight[key]++
		if inflight[key] > 1 {
			violations++
		}
		for k, n := range inflight {
			if k != key && n > 0 {
				overlapSeen = true
			}
		}
		arrived[key] = true
		if len(arrived) == 2 {
			bothOnce.Do(func() { close(both) })
		}
		mu.Unlock()

		select {
		case <-both:
		case <-time.After(2 * time.Second):
		}
		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		inflight[key]--
		mu.Unlock()
		return feed.HistoricalResult{Prices: []instrument.PricePoint{price(1, 1)}}, nil
	}}

	var instruments []instrument.Instrument
	for _, id := range []string{"a", "b", "c"} {
		in := inst(id+"1", "F")
		in.FeedURL = "k1"
		instruments = append(instruments, in)
		in = inst(id+"2", "F")
		in.FeedURL = "k2"
		instruments = append(instruments, in)
	}

	s, err := New(newFakeStore(instruments...), feed.NewRegistry(f)).Run(t.Context(), historicalOnly())
	require.NoError(t, err)
	require.True(t, s.Done())

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, violations)
	require.True(t, overlapSeen)
}

func TestRun_UnmodifiedRunNeverMarksModified(t *testing.T) {
	t.Parallel()

	f := &scriptFeed{id: "F"}
	store := newFakeStore(inst("a", "F"), inst("b", "F"))
	pub := &recordingPublisher{}

	s, err := New(store, feed.NewRegistry(f), WithPublisher(pub), WithFlushInterval(time.Millisecond)).
		Run(t.Context(), Options{PortfolioID: "p", IncludeHistorical: true, IncludeLatest: true})
	require.NoError(t, err)

	for _, e := range s.Entries {
		require.Equal(t, StateUnmodified, e.Historical.State)
		require.Equal(t, StateUnmodified, e.Latest.State)
	}
	require.Zero(t, store.modifiedCalls())
	require.Len(t, pub.completed, 1)
}

func TestRun_ModificationsCoalesceIntoOneFinalMark(t *testing.T) {
	t.Parallel()

	f := &scriptFeed{id: "F", historical: freshPrices()}
	var instruments []instrument.Instrument
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		instruments = append(instruments, inst(id, "F"))
	}
	store := newFakeStore(instruments...)
	pub := &recordingPublisher{}

	s, err := New(store, feed.NewRegistry(f), WithPublisher(pub), WithFlushInterval(time.Hour)).
		Run(t.Context(), historicalOnly())
	require.NoError(t, err)

	require.Equal(t, 8, s.CompletedTaskCount)
	require.Equal(t, 1, store.modifiedCalls())
	require.Empty(t, pub.published)
	require.Len(t, pub.completed, 1)
	require.True(t, pub.completed[0].Final)
}

func TestRun_PeriodicFlushIsBoundedByTicks(t *testing.T) {
	t.Parallel()

	inner := freshPrices()
	f := &scriptFeed{id: "F", historical: func(in instrument.Instrument) (feed.HistoricalResult, error) {
		time.Sleep(5 * time.Millisecond)
		return inner(in)
	}}
	var instruments []instrument.Instrument
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		instruments = append(instruments, inst(id, "F"))
	}
	store := newFakeStore(instruments...)
	pub := &recordingPublisher{}

	_, err := New(store, feed.NewRegistry(f), WithPublisher(pub), WithFlushInterval(2*time.Millisecond)).
		Run(t.Context(), historicalOnly())
	require.NoError(t, err)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.NotEmpty(t, pub.published)
	require.GreaterOrEqual(t, store.modifiedCalls(), 1)
	require.LessOrEqual(t, store.modifiedCalls(), len(pub.published)+len(pub.completed))
	for _, s := range pub.published {
		require.Equal(t, 6, s.TaskCount)
		require.GreaterOrEqual(t, s.CompletedTaskCount, 0)
		require.LessOrEqual(t, s.CompletedTaskCount, s.TaskCount)
		require.False(t, s.Final)
	}
}

func TestRun_ManualAndPermanentlyBrokenInstruments(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	f2 := NewMockFeed(ctrl)
	stubMockFeed(f2, "F2", "f2.example.com", 1)
	f2.EXPECT().FetchHistorical(gomock.Any(), gomock.Any()).
		Return(feed.HistoricalResult{}, feed.Permanent("symbol not found", nil)).
		Times(1)

	store := newFakeStore(inst("A", feed.Manual), inst("B", "F2"))
	o := New(store, feed.NewRegistry(f2))

	s, err := o.Run(t.Context(), historicalOnly())
	require.NoError(t, err)
	a, _ := s.Status("A")
	require.Equal(t, StateSkipped, a.Historical.State)
	b, _ := s.Status("B")
	require.Equal(t, StateError, b.Historical.State)
	require.Equal(t, "symbol not found", b.Historical.Message)
	require.Equal(t, 1, s.TaskCount)

	// the broken flag outlives the run
	s, err = o.Run(t.Context(), historicalOnly())
	require.NoError(t, err)
	b, _ = s.Status("B")
	require.Equal(t, StateSkipped, b.Historical.State)
	require.Zero(t, s.TaskCount)
}

func TestRun_TransientErrorsAreIsolated(t *testing.T) {
	t.Parallel()

	f := &scriptFeed{id: "F", historical: func(in instrument.Instrument) (feed.HistoricalResult, error) {
		switch in.ID {
		case "bad":
			return feed.HistoricalResult{}, errors.New("connection reset")
		case "panics":
			panic("nil map")
		}
		return feed.HistoricalResult{Prices: []instrument.PricePoint{price(2, 5)}}, nil
	}}
	store := newFakeStore(inst("bad", "F"), inst("panics", "F"), inst("good", "F"))

	s, err := New(store, feed.NewRegistry(f)).Run(t.Context(), historicalOnly())
	require.NoError(t, err)

	e, _ := s.Status("bad")
	require.Equal(t, CellValue{State: StateError, Message: "connection reset"}, e.Historical)
	e, _ = s.Status("panics")
	require.Equal(t, StateError, e.Historical.State)
	require.Contains(t, e.Historical.Message, "panicked")
	e, _ = s.Status("good")
	require.Equal(t, StateModified, e.Historical.State)
	require.Contains(t, store.refreshed, "good")
	require.NotContains(t, store.refreshed, "bad")
	require.Empty(t, store.broken)
}

func TestRun_RateLimitedTaskIsRetriedFirst(t *testing.T) {
	t.Parallel()

	limited := true
	f := &scriptFeed{id: "F", historical: func(in instrument.Instrument) (feed.HistoricalResult, error) {
		if in.ID == "a" && limited {
			limited = false
			return feed.HistoricalResult{}, feed.RateLimited(time.Millisecond, "")
		}
		return feed.HistoricalResult{Prices: []instrument.PricePoint{price(1, 1)}}, nil
	}}
	store := newFakeStore(inst("a", "F"), inst("b", "F"))

	s, err := New(store, feed.NewRegistry(f)).Run(t.Context(), historicalOnly())
	require.NoError(t, err)
	require.Equal(t, []string{"historical:a", "historical:a", "historical:b"}, f.callLog())
	for _, e := range s.Entries {
		require.Equal(t, StateModified, e.Historical.State)
	}
}

func TestRun_OldestRefreshedFirst(t *testing.T) {
	t.Parallel()

	f := &scriptFeed{id: "F"}
	store := newFakeStore(inst("a", "F"), inst("b", "F"), inst("c", "F"))
	now := time.Now()
	store.refreshed["a"] = now
	store.refreshed["b"] = now.Add(-time.Hour)

	s, err := New(store, feed.NewRegistry(f)).Run(t.Context(), historicalOnly())
	require.NoError(t, err)
	require.Equal(t, []string{"historical:c", "historical:b", "historical:a"}, f.callLog())
	require.Equal(t, "c", s.Entries[0].InstrumentID)
}

func TestRun_MergedFeedSkipsSeparateLatestRequest(t *testing.T) {
	t.Parallel()

	latest := price(9, 42)
	merged := &scriptFeed{id: "M", merge: true, historical: func(instrument.Instrument) (feed.HistoricalResult, error) {
		return feed.HistoricalResult{Prices: []instrument.PricePoint{price(8, 41)}, Latest: &latest}, nil
	}}
	quotes := &scriptFeed{id: "Q", latest: func(instrument.Instrument) (*instrument.PricePoint, error) {
		return &latest, nil
	}}

	a := inst("a", "M")
	b := inst("b", "M")
	b.LatestFeed = "Q"
	store := newFakeStore(a, b)

	s, err := New(store, feed.NewRegistry(merged, quotes)).
		Run(t.Context(), Options{PortfolioID: "p", IncludeHistorical: true, IncludeLatest: true})
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"historical:a", "historical:b"}, merged.callLog())
	require.Equal(t, []string{"latest:b"}, quotes.callLog())

	e, _ := s.Status("a")
	require.Equal(t, StateModified, e.Historical.State)
	require.Equal(t, StateSkipped, e.Latest.State)
	e, _ = s.Status("b")
	require.Equal(t, StateModified, e.Latest.State)
	require.Equal(t, 3, s.TaskCount)

	require.True(t, store.latest["a"].Equal(latest))
	require.True(t, store.latest["b"].Equal(latest))
}

func TestRun_UnknownFeedAndFilter(t *testing.T) {
	t.Parallel()

	f := &scriptFeed{id: "F"}
	store := newFakeStore(inst("a", "nope"), inst("b", "F"), inst("c", ""), inst("d", "F"))
	opts := historicalOnly()
	opts.Filter = func(in instrument.Instrument) bool { return in.ID != "d" }

	s, err := New(store, feed.NewRegistry(f)).Run(t.Context(), opts)
	require.NoError(t, err)
	require.Len(t, s.Entries, 3)

	e, _ := s.Status("a")
	require.Equal(t, StateError, e.Historical.State)
	require.Contains(t, e.Historical.Message, "unknown feed")
	e, _ = s.Status("c")
	require.Equal(t, StateSkipped, e.Historical.State)
	_, ok := s.Status("d")
	require.False(t, ok)
	require.Equal(t, []string{"historical:b"}, f.callLog())
}

func TestRun_NonFatalErrorsBecomeTheMessage(t *testing.T) {
	t.Parallel()

	f := &scriptFeed{id: "F", historical: func(instrument.Instrument) (feed.HistoricalResult, error) {
		return feed.HistoricalResult{
			Prices: []instrument.PricePoint{price(3, 3)},
			Errors: []error{errors.New("row 7: bad date")},
		}, nil
	}}
	s, err := New(newFakeStore(inst("a", "F")), feed.NewRegistry(f)).Run(t.Context(), historicalOnly())
	require.NoError(t, err)
	require.Equal(t, CellValue{State: StateModified, Message: "row 7: bad date"}, s.Entries[0].Historical)
}

func TestRun_CancelDuringRetryWaitReturnsEarly(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	fetched := make(chan struct{}, 1)
	f := &scriptFeed{id: "F", attempts: 5, historical: func(instrument.Instrument) (feed.HistoricalResult, error) {
		fetched <- struct{}{}
		return feed.HistoricalResult{}, feed.RateLimited(time.Hour, "")
	}}
	go func() {
		<-fetched
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	store := newFakeStore(inst("a", "F"), inst("b", "F"))
	pub := &recordingPublisher{}

	start := time.Now()
	s, err := New(store, feed.NewRegistry(f), WithPublisher(pub)).Run(ctx, historicalOnly())
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Minute)

	require.True(t, s.Final)
	require.False(t, s.Done())
	e, _ := s.Status("a")
	require.Equal(t, StateWaiting, e.Historical.State)
	require.Contains(t, e.Historical.Message, "rate limited")
	e, _ = s.Status("b")
	require.Equal(t, CellValue{State: StateWaiting}, e.Historical)
	require.Equal(t, []string{"historical:a"}, f.callLog())
	require.Len(t, pub.completed, 1)
}

func TestRun_FetchFinishingAfterCancelStillMarksModified(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	f := &scriptFeed{id: "F", historical: func(instrument.Instrument) (feed.HistoricalResult, error) {
		close(started)
		<-release
		return feed.HistoricalResult{Prices: []instrument.PricePoint{price(4, 12)}}, nil
	}}
	go func() {
		<-started
		cancel()
	}()
	store := newFakeStore(inst("a", "F"))
	o := New(store, feed.NewRegistry(f), WithFlushInterval(time.Hour))

	_, err := o.Run(ctx, historicalOnly())
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, store.modifiedCalls())

	close(release)
	o.Wait()

	store.mu.Lock()
	stored := len(store.prices["a"])
	store.mu.Unlock()
	require.Equal(t, 1, stored)
	require.Equal(t, 1, store.modifiedCalls())
}

func TestOrchestrator_WaitReturnsWithoutRuns(t *testing.T) {
	t.Parallel()

	o := New(newFakeStore(), feed.NewRegistry())
	o.Wait()
}

// unschedulableFeed panics when asked how to schedule an instrument.
type unschedulableFeed struct{ *scriptFeed }

func (unschedulableFeed) GroupingKey(instrument.Instrument, feed.Kind) string { panic("no host") }

func TestRun_FeedPanickingDuringPreparationFailsOnlyItsInstruments(t *testing.T) {
	t.Parallel()

	bad := unschedulableFeed{&scriptFeed{id: "BAD"}}
	good := &scriptFeed{id: "F", historical: freshPrices()}
	store := newFakeStore(inst("a", "BAD"), inst("b", "F"))

	s, err := New(store, feed.NewRegistry(bad, good)).Run(t.Context(), historicalOnly())
	require.NoError(t, err)
	require.True(t, s.Done())

	e, _ := s.Status("a")
	require.Equal(t, StateError, e.Historical.State)
	require.Contains(t, e.Historical.Message, "feed BAD panicked: no host")
	e, _ = s.Status("b")
	require.Equal(t, StateModified, e.Historical.State)
	require.Empty(t, bad.callLog())
}

func TestRun_PublishesToLatestRun(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	o := New(newFakeStore(inst("a", "F")), feed.NewRegistry(&scriptFeed{id: "F"}), WithPublisher(pub))
	s, err := o.Run(t.Context(), historicalOnly())
	require.NoError(t, err)

	require.Len(t, pub.latest, 1)
	require.Equal(t, pub.latest[0].ID, s.RunID)
	require.Equal(t, "p", s.PortfolioID)
	require.Equal(t, s.RunID, pub.completed[0].RunID)
}

func TestGroupTasks_LargestFirstKeepsTaskOrder(t *testing.T) {
	t.Parallel()

	mk := func(key, id string) *task { return &task{groupKey: key, inst: inst(id, "F")} }
	groups := groupTasks([]*task{mk("x", "1"), mk("y", "2"), mk("z", "3"), mk("y", "4"), mk("z", "5"), mk("z", "6")})

	require.Len(t, groups, 3)
	require.Equal(t, "z", groups[0].key)
	require.Equal(t, "y", groups[1].key)
	require.Equal(t, "x", groups[2].key)
	require.Equal(t, "3", groups[0].tasks[0].inst.ID)
	require.Equal(t, "6", groups[0].tasks[2].inst.ID)
}
