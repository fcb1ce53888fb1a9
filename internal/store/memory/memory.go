// Package memory is an in-process implementation of store.Store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pricerefresh/internal/instrument"
	"pricerefresh/internal/series"
	"pricerefresh/internal/store"
)

type portfolioMark struct {
	count int
	at    time.Time
}

type Store struct {
	mu          sync.RWMutex
	instruments map[string]instrument.Instrument
	order       []string
	prices      map[string][]instrument.PricePoint
	latest      map[string]instrument.PricePoint
	modified    map[string]portfolioMark
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		instruments: make(map[string]instrument.Instrument),
		prices:      make(map[string][]instrument.PricePoint),
		latest:      make(map[string]instrument.PricePoint),
		modified:    make(map[string]portfolioMark),
	}
}

func (s *Store) Upsert(_ context.Context, instruments ...instrument.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range instruments {
		if in.ID == "" {
			return fmt.Errorf("upsert instrument: empty id")
		}
		cur, ok := s.instruments[in.ID]
		if !ok {
			s.order = append(s.order, in.ID)
		} else {
			in.LastRefreshed = cur.LastRefreshed
			in.Broken, in.BrokenReason = cur.Broken, cur.BrokenReason
		}
		s.instruments[in.ID] = in
	}
	return nil
}

func (s *Store) Instruments(_ context.Context, portfolioID string) ([]instrument.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]instrument.Instrument, 0, len(s.order))
	for _, id := range s.order {
		in := s.instruments[id]
		if portfolioID != "" && in.PortfolioID != portfolioID {
			continue
		}
		out = append(out, clone(in))
	}
	return out, nil
}

func (s *Store) Get(_ context.Context, id string) (instrument.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.instruments[id]
	if !ok {
		return instrument.Instrument{}, fmt.Errorf("instrument %q: %w", id, store.ErrNotFound)
	}
	return clone(in), nil
}

func (s *Store) ApplyHistorical(_ context.Context, id string, prices []instrument.PricePoint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instruments[id]; !ok {
		return false, fmt.Errorf("instrument %q: %w", id, store.ErrNotFound)
	}
	merged, changed := series.Merge(s.prices[id], prices)
	if changed {
		s.prices[id] = merged
	}
	return changed, nil
}

func (s *Store) ApplyLatest(_ context.Context, id string, p instrument.PricePoint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instruments[id]; !ok {
		return false, fmt.Errorf("instrument %q: %w", id, store.ErrNotFound)
	}
	if cur, ok := s.latest[id]; ok && cur.Equal(p) {
		return false, nil
	}
	s.latest[id] = p
	return true, nil
}

func (s *Store) MarkRefreshed(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(in *instrument.Instrument) { in.LastRefreshed = &at })
}

func (s *Store) MarkBroken(_ context.Context, id, reason string) error {
	return s.update(id, func(in *instrument.Instrument) { in.Broken, in.BrokenReason = true, reason })
}

func (s *Store) Unbreak(_ context.Context, id string) error {
	return s.update(id, func(in *instrument.Instrument) { in.Broken, in.BrokenReason = false, "" })
}

func (s *Store) update(id string, fn func(*instrument.Instrument)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instruments[id]
	if !ok {
		return fmt.Errorf("instrument %q: %w", id, store.ErrNotFound)
	}
	fn(&in)
	s.instruments[id] = in
	return nil
}

func (s *Store) MarkModified(_ context.Context, portfolioID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.modified[portfolioID]
	m.count++
	m.at = time.Now().UTC()
	s.modified[portfolioID] = m
	return nil
}

func (s *Store) Modified(_ context.Context, portfolioID string) (int, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.modified[portfolioID]
	return m.count, m.at, nil
}

func (s *Store) Prices(_ context.Context, id string) ([]instrument.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.instruments[id]; !ok {
		return nil, fmt.Errorf("instrument %q: %w", id, store.ErrNotFound)
	}
	return append([]instrument.PricePoint(nil), s.prices[id]...), nil
}

func (s *Store) Latest(_ context.Context, id string) (instrument.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.latest[id]
	if !ok {
		return instrument.PricePoint{}, fmt.Errorf("latest price of %q: %w", id, store.ErrNotFound)
	}
	return p, nil
}

func (s *Store) Close() error { return nil }

func clone(in instrument.Instrument) instrument.Instrument {
	if in.LastRefreshed != nil {
		t := *in.LastRefreshed
		in.LastRefreshed = &t
	}
	return in
}
