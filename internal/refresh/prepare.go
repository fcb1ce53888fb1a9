package refresh

import (
	"fmt"
	"log/slog"
	"sort"

	"pricerefresh/internal/feed"
	"pricerefresh/internal/instrument"
)

func filterInstruments(all []instrument.Instrument, keep func(instrument.Instrument) bool) []instrument.Instrument {
	if keep == nil {
		return all
	}
	out := make([]instrument.Instrument, 0, len(all))
	for _, in := range all {
		if keep(in) {
			out = append(out, in)
		}
	}
	return out
}

// oldestFirst orders instruments by last refresh, never-refreshed first.
func oldestFirst(in []instrument.Instrument) []instrument.Instrument {
	out := append([]instrument.Instrument(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastRefreshed, out[j].LastRefreshed
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	return out
}

// prepareTasks creates the tasks of a request and marks the cells of
// instruments that are not fetched as SKIPPED, or ERROR when their feed
// cannot be resolved.
func (o *Orchestrator) prepareTasks(req *Request, logger *slog.Logger) []*task {
	tasks := make([]*task, 0, 2*req.Len())
	for _, in := range req.Instruments() {
		pair, _ := req.Status(in.ID)

		var hist *task
		if req.includeHistorical {
			hist = o.prepareTask(in, feed.Historical, in.Feed, pair.Historical, logger)
			if hist != nil {
				tasks = append(tasks, hist)
			}
		}
		if !req.includeLatest {
			continue
		}
		if hist != nil && in.LatestFeedID() == in.Feed && hist.merges {
			hist.mergeLatest = true
			pair.Latest.set(StateSkipped, "merged with historical update")
			continue
		}
		if t := o.prepareTask(in, feed.Latest, in.LatestFeedID(), pair.Latest, logger); t != nil {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

func (o *Orchestrator) prepareTask(in instrument.Instrument, kind feed.Kind, feedID string, cell *Cell, logger *slog.Logger) *task {
	switch {
	case in.Broken:
		cell.set(StateSkipped, "permanently broken: "+in.BrokenReason)
		return nil
	case feedID == "":
		cell.set(StateSkipped, "no feed configured")
		return nil
	case feedID == feed.Manual:
		cell.set(StateSkipped, "manual pricing")
		return nil
	}

	f, ok := o.feeds.Feed(feedID)
	if !ok {
		msg := fmt.Sprintf("unknown feed %q", feedID)
		logger.Warn("cannot resolve feed", "instrument", in.ID, "feed", feedID, "kind", kind.String())
		cell.set(StateError, msg)
		return nil
	}
	key, merges, attempts, err := describe(f, feedID, in, kind)
	if err != nil {
		logger.Error("feed failed to describe instrument", "instrument", in.ID, "feed", feedID, "kind", kind.String(), "error", err)
		cell.set(StateError, err.Error())
		return nil
	}
	return &task{
		kind:     kind,
		groupKey: key,
		feed:     f,
		cell:     cell,
		inst:     in,
		merges:   merges,
		attempts: attempts,
	}
}

// describe reads how f schedules in. A panicking feed fails only in.
func describe(f feed.Feed, feedID string, in instrument.Instrument, kind feed.Kind) (key string, merges bool, attempts int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("feed %s panicked: %v", feedID, r)
		}
	}()
	return f.GroupingKey(in, kind), f.MergeRequests(), f.MaxRetryAttempts(), nil
}

type group struct {
	key   string
	tasks []*task
}

// groupTasks buckets tasks by grouping key, keeping task order within a
// group, and orders groups largest first.
func groupTasks(tasks []*task) []*group {
	byKey := make(map[string]*group)
	var groups []*group
	for _, t := range tasks {
		g, ok := byKey[t.groupKey]
		if !ok {
			g = &group{key: t.groupKey}
			byKey[t.groupKey] = g
			groups = append(groups, g)
		}
		g.tasks = append(g.tasks, t)
	}
	sort.SliceStable(groups, func(i, j int) bool { return len(groups[i].tasks) > len(groups[j].tasks) })
	return groups
}

// promptLogin signals, without waiting, every feed used by instruments that
// needs an interactive login.
func (o *Orchestrator) promptLogin(instruments []instrument.Instrument) {
	if o.prompter == nil {
		return
	}
	asked := make(map[string]struct{})
	for _, in := range instruments {
		if in.Broken {
			continue
		}
		for _, id := range []string{in.Feed, in.LatestFeedID()} {
			if _, done := asked[id]; done || id == "" || id == feed.Manual {
				continue
			}
			asked[id] = struct{}{}
			if f, ok := o.feeds.Feed(id); ok && feed.RequiresLogin(f) {
				o.prompter.RequestLogin(id)
			}
		}
	}
}
