// Package series merges dated price points into a date-ordered series.
package series

import (
	"sort"
	"time"

	"pricerefresh/internal/instrument"
)

// dayKey normalizes a point date to its UTC calendar day; a series holds at
// most one point per day.
func dayKey(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Merge folds incoming into existing and returns the merged series sorted by
// date, plus whether anything changed. For equal days, later input wins.
// Zero-value dates in incoming are dropped.
func Merge(existing, incoming []instrument.PricePoint) ([]instrument.PricePoint, bool) {
	byDay := make(map[time.Time]instrument.PricePoint, len(existing)+len(incoming))
	for _, p := range existing {
		p.Date = dayKey(p.Date)
		byDay[p.Date] = p
	}

	changed := false
	for _, p := range incoming {
		if p.Date.IsZero() {
			continue
		}
		p.Date = dayKey(p.Date)
		if cur, ok := byDay[p.Date]; ok && cur.Value.Equal(p.Value) {
			continue
		}
		byDay[p.Date] = p
		changed = true
	}

	out := make([]instrument.PricePoint, 0, len(byDay))
	for _, p := range byDay {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, changed
}

// Newest returns the point with the latest date. For equal dates, later input wins.
func Newest(points []instrument.PricePoint) (instrument.PricePoint, bool) {
	var best instrument.PricePoint
	found := false
	for _, p := range points {
		if p.Date.IsZero() {
			continue
		}
		if !found || !p.Date.Before(best.Date) {
			best = p
			found = true
		}
	}
	return best, found
}
