// Package progress fans refresh progress out to listeners.
package progress

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"pricerefresh/internal/refresh"
)

// AllPortfolios registers a listener for the runs of every portfolio.
const AllPortfolios = ""

// Listener receives snapshots of the latest run of a portfolio. The last
// snapshot of a run has Final set. OnProgress is called synchronously from
// the refresh flush and must return quickly. It must not call Publish,
// Complete or SetLatestRun.
type Listener interface {
	OnProgress(run refresh.Run, s refresh.Snapshot)
}

// Registry tracks the latest run of each portfolio and notifies listeners.
// A newer run supersedes an older one for notifications only; the older run
// keeps running but its snapshots are dropped.
type Registry struct {
	mu        sync.Mutex
	latest    map[string]uuid.UUID
	listeners map[string][]Listener
	// gates serialize delivery per portfolio so a superseded run cannot
	// deliver after its successor took over.
	gates  map[string]*sync.Mutex
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		latest:    make(map[string]uuid.UUID),
		listeners: make(map[string][]Listener),
		gates:     make(map[string]*sync.Mutex),
		logger:    logger.With("component", "progress"),
	}
}

func (r *Registry) Register(portfolioID string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[portfolioID] = append(r.listeners[portfolioID], l)
}

// Unregister removes the first registration of l for portfolioID.
func (r *Registry) Unregister(portfolioID string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls := r.listeners[portfolioID]
	for i, cur := range ls {
		if cur == l {
			ls = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(ls) == 0 {
		delete(r.listeners, portfolioID)
		return
	}
	r.listeners[portfolioID] = ls
}

// SetLatestRun makes run the tracked run of its portfolio.
func (r *Registry) SetLatestRun(run refresh.Run) {
	g := r.gate(run.PortfolioID)
	g.Lock()
	defer g.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.latest[run.PortfolioID]; ok && prev != run.ID {
		r.logger.Info("run superseded", "portfolio", run.PortfolioID, "run_id", prev.String(), "by", run.ID.String())
	}
	r.latest[run.PortfolioID] = run.ID
}

// LatestRun returns the id of the run currently tracked for portfolioID.
func (r *Registry) LatestRun(portfolioID string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.latest[portfolioID]
	return id, ok
}

// Publish delivers s if run is still the latest run of its portfolio.
func (r *Registry) Publish(run refresh.Run, s refresh.Snapshot) {
	g := r.gate(run.PortfolioID)
	g.Lock()
	defer g.Unlock()

	ls, ok := r.recipients(run, false)
	if ok {
		r.deliver(ls, run, s)
	}
}

// Complete delivers the final snapshot of run and, if run is still the
// latest, clears the portfolio's latest-run slot.
func (r *Registry) Complete(run refresh.Run, s refresh.Snapshot) {
	g := r.gate(run.PortfolioID)
	g.Lock()
	defer g.Unlock()

	ls, ok := r.recipients(run, true)
	if ok {
		r.deliver(ls, run, s)
	}
}

func (r *Registry) gate(portfolioID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[portfolioID]
	if !ok {
		g = &sync.Mutex{}
		r.gates[portfolioID] = g
	}
	return g
}

func (r *Registry) recipients(run refresh.Run, clear bool) ([]Listener, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.latest[run.PortfolioID]; !ok || id != run.ID {
		return nil, false
	}
	if clear {
		delete(r.latest, run.PortfolioID)
	}
	out := make([]Listener, 0, len(r.listeners[run.PortfolioID])+len(r.listeners[AllPortfolios]))
	out = append(out, r.listeners[run.PortfolioID]...)
	if run.PortfolioID != AllPortfolios {
		out = append(out, r.listeners[AllPortfolios]...)
	}
	return out, true
}

func (r *Registry) deliver(ls []Listener, run refresh.Run, s refresh.Snapshot) {
	for _, l := range ls {
		r.notify(l, run, s)
	}
}

func (r *Registry) notify(l Listener, run refresh.Run, s refresh.Snapshot) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("progress listener panicked",
				"portfolio", run.PortfolioID, "listener", fmt.Sprintf("%T", l), "panic", p)
		}
	}()
	l.OnProgress(run, s)
}
