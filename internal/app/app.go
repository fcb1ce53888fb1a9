// Package app wires configuration into a running refresh service: store,
// feeds, orchestrator, progress listeners and metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"

	"pricerefresh/internal/config"
	"pricerefresh/internal/feed"
	"pricerefresh/internal/httpx"
	"pricerefresh/internal/instrument"
	"pricerefresh/internal/metrics"
	"pricerefresh/internal/progress"
	"pricerefresh/internal/progress/kafkasink"
	"pricerefresh/internal/refresh"
	"pricerefresh/internal/store"
	"pricerefresh/internal/store/memory"
	"pricerefresh/internal/store/sqlite"
)

type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     store.Store
	Feeds     *feed.Registry
	Progress  *progress.Registry
	Latest    *progress.LatestListener
	Metrics   *prometheus.Registry
	Refresher *refresh.Orchestrator

	sink *kafkasink.Sink
}

type options struct {
	prompter refresh.AuthPrompter
	feeds    []feed.Feed
	store    store.Store
}

type Option func(*options)

// WithAuthPrompter replaces the default prompter, which only logs.
func WithAuthPrompter(p refresh.AuthPrompter) Option { return func(o *options) { o.prompter = p } }

// WithFeeds registers feeds in addition to the configured ones.
func WithFeeds(feeds ...feed.Feed) Option {
	return func(o *options) { o.feeds = append(o.feeds, feeds...) }
}

// WithStore uses s instead of opening the configured store.
func WithStore(s store.Store) Option { return func(o *options) { o.store = s } }

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o := options{prompter: logPrompter{logger}}
	for _, opt := range opts {
		opt(&o)
	}

	st := o.store
	if st == nil {
		var err error
		if st, err = OpenStore(cfg.Store); err != nil {
			return nil, err
		}
	}
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Progress: progress.NewRegistry(logger),
		Latest:   progress.NewLatestListener(),
		Metrics:  prometheus.NewRegistry(),
	}

	if cfg.InstrumentsFile != "" {
		if err := a.seed(ctx, cfg.InstrumentsFile); err != nil {
			st.Close()
			return nil, err
		}
	}

	feeds, err := BuildFeeds(cfg.Feeds, httpx.New(httpx.Config{
		Timeout:         cfg.RequestTimeout(),
		MaxConnsPerHost: cfg.Server.MaxConnsPerHost,
	}))
	if err != nil {
		st.Close()
		return nil, err
	}
	for _, f := range o.feeds {
		feeds.Register(f)
	}
	a.Feeds = feeds

	a.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	refreshMetrics := metrics.New(a.Metrics)

	a.Progress.Register(progress.AllPortfolios, a.Latest)
	if cfg.Kafka.Enabled {
		a.sink = kafkasink.New(kafkasink.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic),
			kafkasink.WithBuffer(cfg.Kafka.Buffer), kafkasink.WithLogger(logger))
		a.Progress.Register(progress.AllPortfolios, a.sink)
		metrics.RegisterSink(a.Metrics, "kafka", a.sink)
	}

	a.Refresher = refresh.New(st, feeds,
		refresh.WithPublisher(a.Progress),
		refresh.WithAuthPrompter(o.prompter),
		refresh.WithLogger(logger),
		refresh.WithMetrics(refreshMetrics),
		refresh.WithTracer(otel.Tracer("pricerefresh/refresh")),
		refresh.WithFlushInterval(cfg.Refresh.FlushInterval()),
	)
	return a, nil
}

// OpenStore opens the configured store.
func OpenStore(cfg config.Store) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (a *App) seed(ctx context.Context, path string) error {
	instruments, err := instrument.LoadFile(path, a.Config.DefaultPortfolio)
	if err != nil {
		return fmt.Errorf("seed instruments: %w", err)
	}
	if err := a.Store.Upsert(ctx, instruments...); err != nil {
		return fmt.Errorf("seed instruments: %w", err)
	}
	a.Logger.Info("instruments seeded", "file", path, "count", len(instruments))
	return nil
}

// Start runs background publishers until ctx is cancelled. It returns
// immediately.
func (a *App) Start(ctx context.Context) {
	if a.sink == nil {
		return
	}
	go func() {
		if err := a.sink.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("kafka sink stopped", "error", err)
		}
	}()
}

// RunOptions selects a run beyond the configured defaults.
type RunOptions struct {
	Interactive bool
	// InstrumentIDs limits the run to these instruments when non-empty.
	InstrumentIDs []string
	// Historical and Latest override the configured refresh kinds when set.
	Historical *bool
	Latest     *bool
}

// Refresh runs one refresh of portfolioID, bounded by the configured run timeout.
func (a *App) Refresh(ctx context.Context, portfolioID string, ro RunOptions) (refresh.Snapshot, error) {
	opts := refresh.Options{
		PortfolioID:       portfolioID,
		IncludeHistorical: a.Config.Refresh.IncludeHistorical,
		IncludeLatest:     a.Config.Refresh.IncludeLatest,
		Interactive:       ro.Interactive,
		// unattended runs have nobody to log in
		SuppressAuthPrompt: !ro.Interactive,
	}
	if ro.Historical != nil {
		opts.IncludeHistorical = *ro.Historical
	}
	if ro.Latest != nil {
		opts.IncludeLatest = *ro.Latest
	}
	if len(ro.InstrumentIDs) > 0 {
		keep := make(map[string]struct{}, len(ro.InstrumentIDs))
		for _, id := range ro.InstrumentIDs {
			keep[id] = struct{}{}
		}
		opts.Filter = func(in instrument.Instrument) bool {
			_, ok := keep[in.ID]
			return ok
		}
	}

	if d := a.Config.Refresh.RunTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return a.Refresher.Run(ctx, opts)
}

// Portfolios lists the portfolios scheduled for periodic refresh.
func (a *App) Portfolios() []string {
	if len(a.Config.Refresh.Portfolios) == 0 {
		return []string{a.Config.DefaultPortfolio}
	}
	return a.Config.Refresh.Portfolios
}

// Close waits for running refreshes, including fetches a cancelled run left
// behind, and then closes the sink and the store.
func (a *App) Close() error {
	a.Refresher.Wait()
	var errs []error
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}

type logPrompter struct{ logger *slog.Logger }

func (p logPrompter) RequestLogin(feedID string) {
	p.logger.Warn("feed requires login", "feed", feedID)
}
