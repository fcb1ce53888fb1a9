package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pricerefresh/internal/app"
	"pricerefresh/internal/instrument"
	"pricerefresh/internal/scheduler"
	"pricerefresh/internal/store"
)

type server struct {
	// ctx outlives requests; refreshes started over HTTP run on it.
	ctx context.Context
	app *app.App
	wg  sync.WaitGroup
}

func newServer(ctx context.Context, a *app.App) *server {
	return &server{ctx: ctx, app: a}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /api/portfolios/{id}/instruments", s.handleInstruments)
	mux.HandleFunc("GET /api/portfolios/{id}/progress", s.handleProgress)
	mux.HandleFunc("POST /api/portfolios/{id}/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/instruments/{id}/prices", s.handlePrices)
	mux.HandleFunc("POST /api/instruments/{id}/unbreak", s.handleUnbreak)

	api := withJSONHeaders(withGzip(recoverPanic(s.app.Logger, limitBody(mux))))

	root := http.NewServeMux()
	root.Handle("GET /metrics", promhttp.HandlerFor(s.app.Metrics, promhttp.HandlerOpts{DisableCompression: true}))
	root.Handle("/", api)
	return root
}

// schedule refreshes every portfolio periodically until the server ctx ends.
func (s *server) schedule(interval time.Duration, portfolios []string) {
	for _, portfolioID := range portfolios {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = scheduler.Repeat(s.ctx, "refresh "+portfolioID, interval, func(ctx context.Context) error {
				_, err := s.app.Refresh(ctx, portfolioID, app.RunOptions{})
				return err
			}, s.app.Logger)
		}()
	}
}

// wait blocks until scheduled refreshes and refreshes started over HTTP
// have returned.
func (s *server) wait() { s.wg.Wait() }

func (s *server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.app.Store.Instruments(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if instruments == nil {
		instruments = []instrument.Instrument{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"instruments": instruments})
}

func (s *server) handleProgress(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.app.Latest.Snapshot(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no refresh has run for this portfolio")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type refreshAccepted struct {
	PortfolioID string `json:"portfolio_id"`
	Progress    string `json:"progress"`
}

// handleRefresh starts a refresh in the background. Query parameters
// historical and latest override the refresh kinds; instrument may repeat to
// restrict the run.
func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	portfolioID := r.PathValue("id")
	q := r.URL.Query()

	ro := app.RunOptions{Interactive: true}
	var err error
	if ro.Historical, err = optionalBool(q.Get("historical")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid historical parameter")
		return
	}
	if ro.Latest, err = optionalBool(q.Get("latest")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid latest parameter")
		return
	}
	for _, v := range q["instrument"] {
		ro.InstrumentIDs = append(ro.InstrumentIDs, splitCSV(v)...)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.app.Refresh(s.ctx, portfolioID, ro); err != nil && s.ctx.Err() == nil {
			s.app.Logger.Error("refresh failed", "portfolio", portfolioID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, refreshAccepted{
		PortfolioID: portfolioID,
		Progress:    "/api/portfolios/" + portfolioID + "/progress",
	})
}

type pricesResponse struct {
	Instrument instrument.Instrument   `json:"instrument"`
	Prices     []instrument.PricePoint `json:"prices"`
	Latest     *instrument.PricePoint  `json:"latest,omitempty"`
}

func (s *server) handlePrices(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	in, err := s.app.Store.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	prices, err := s.app.Store.Prices(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := pricesResponse{Instrument: in, Prices: prices}
	if resp.Prices == nil {
		resp.Prices = []instrument.PricePoint{}
	}
	latest, err := s.app.Store.Latest(r.Context(), id)
	switch {
	case err == nil:
		resp.Latest = &latest
	case !errors.Is(err, store.ErrNotFound):
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleUnbreak(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Store.Unbreak(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.app.Logger.Error("request failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func optionalBool(v string) (*bool, error) {
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
