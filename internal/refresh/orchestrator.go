// Package refresh coordinates a price refresh run: it prepares one task per
// instrument and refresh kind, runs one worker per grouping key and reports
// progress snapshots while the workers run.
package refresh

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"pricerefresh/internal/feed"
	"pricerefresh/internal/instrument"
)

// DefaultFlushInterval bounds how often progress and modifications are reported.
const DefaultFlushInterval = 250 * time.Millisecond

// Store is the instrument persistence the orchestrator reads and updates.
type Store interface {
	Instruments(ctx context.Context, portfolioID string) ([]instrument.Instrument, error)
	// ApplyHistorical merges prices and reports whether stored data changed.
	ApplyHistorical(ctx context.Context, instrumentID string, prices []instrument.PricePoint) (bool, error)
	// ApplyLatest stores the latest quote and reports whether it changed.
	ApplyLatest(ctx context.Context, instrumentID string, p instrument.PricePoint) (bool, error)
	MarkRefreshed(ctx context.Context, instrumentID string, at time.Time) error
	MarkBroken(ctx context.Context, instrumentID, reason string) error
	// MarkModified is the coalesced "prices changed" notification.
	MarkModified(ctx context.Context, portfolioID string) error
}

// Publisher receives the progress of runs.
type Publisher interface {
	SetLatestRun(run Run)
	Publish(run Run, s Snapshot)
	// Complete delivers the final snapshot of a run.
	Complete(run Run, s Snapshot)
}

// AuthPrompter asks the user to log in. RequestLogin must not block.
type AuthPrompter interface {
	RequestLogin(feedID string)
}

// Metrics observes fetches, groups and runs.
type Metrics interface {
	ObserveFetch(feedID, kind, outcome string, d time.Duration)
	GroupStarted()
	GroupFinished()
	RunFinished(portfolioID string, cancelled bool)
	ModifiedFlushed(portfolioID string)
}

// Options selects what a run refreshes.
type Options struct {
	PortfolioID string
	// Filter keeps the instruments to refresh. Nil keeps all.
	Filter            func(instrument.Instrument) bool
	IncludeHistorical bool
	IncludeLatest     bool
	// Interactive runs may ask the user to log in at start.
	Interactive bool
	// SuppressAuthPrompt disables the login prompt on expired sessions.
	SuppressAuthPrompt bool
}

// Orchestrator runs refreshes. It is safe for concurrent use; every Run
// owns its own request and workers.
type Orchestrator struct {
	store         Store
	feeds         feed.Lookup
	publisher     Publisher
	prompter      AuthPrompter
	flushInterval time.Duration

	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer

	// running counts runs and the workers a cancelled run left behind.
	running sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithPublisher(p Publisher) Option { return func(o *Orchestrator) { o.publisher = p } }

func WithAuthPrompter(p AuthPrompter) Option { return func(o *Orchestrator) { o.prompter = p } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithMetrics(m Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// WithFlushInterval sets the progress flush period. Non-positive values keep the default.
func WithFlushInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.flushInterval = d
		}
	}
}

func New(store Store, feeds feed.Lookup, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         store,
		feeds:         feeds,
		publisher:     nopPublisher{},
		flushInterval: DefaultFlushInterval,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:       nopMetrics{},
		tracer:        noop.NewTracerProvider().Tracer("refresh"),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "refresh")
	return o
}

// Wait blocks until every run has returned and the fetches of cancelled runs
// have finished. Call it before closing the store.
func (o *Orchestrator) Wait() { o.running.Wait() }

// Run refreshes the instruments of a portfolio and returns the final
// snapshot. If ctx is cancelled Run returns early with ctx.Err(); workers
// that already started a fetch finish it in the background.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (final Snapshot, err error) {
	o.running.Add(1)
	detached := false
	defer func() {
		if !detached {
			o.running.Done()
		}
	}()

	run := Run{ID: uuid.New(), PortfolioID: opts.PortfolioID, StartedAt: time.Now()}
	logger := o.logger.With("portfolio", run.PortfolioID, "run_id", run.ID.String())

	ctx, span := o.tracer.Start(ctx, "refresh.run", trace.WithAttributes(
		attribute.String("portfolio_id", run.PortfolioID),
		attribute.String("run_id", run.ID.String()),
	))
	defer span.End()

	all, err := o.store.Instruments(ctx, opts.PortfolioID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list instruments")
		return Snapshot{}, fmt.Errorf("list instruments: %w", err)
	}
	instruments := filterInstruments(all, opts.Filter)

	if opts.Interactive {
		o.promptLogin(instruments)
	}

	req := NewRequest(oldestFirst(instruments), opts.IncludeHistorical, opts.IncludeLatest)
	tasks := o.prepareTasks(req, logger)
	groups := groupTasks(tasks)
	span.SetAttributes(
		attribute.Int("instruments", req.Len()),
		attribute.Int("tasks", len(tasks)),
		attribute.Int("groups", len(groups)),
	)
	logger.Info("refresh started", "instruments", req.Len(), "tasks", len(tasks), "groups", len(groups))

	o.publisher.SetLatestRun(run)
	persistCtx := context.WithoutCancel(ctx)

	stopFlusher := o.startFlusher(persistCtx, run, req)
	defer func() {
		stopFlusher()
		final = o.flush(persistCtx, run, req, true)
		o.metrics.RunFinished(run.PortfolioID, ctx.Err() != nil)
		logger.Info("refresh finished",
			"completed", final.CompletedTaskCount, "tasks", final.TaskCount,
			"elapsed", time.Since(run.StartedAt).Round(time.Millisecond))
	}()

	var once sync.Once
	onAuthExpired := func(feedID string) {
		if opts.SuppressAuthPrompt || o.prompter == nil {
			return
		}
		once.Do(func() { o.prompter.RequestLogin(feedID) })
	}

	var g errgroup.Group
	for _, grp := range groups {
		w := &groupWorker{
			key:           grp.key,
			queue:         grp.tasks,
			req:           req,
			store:         o.store,
			logger:        logger.With("group", grp.key),
			metrics:       o.metrics,
			onAuthExpired: onAuthExpired,
		}
		g.Go(func() error {
			gctx, gspan := o.tracer.Start(ctx, "refresh.group", trace.WithAttributes(
				attribute.String("group", w.key),
				attribute.Int("tasks", len(w.queue)),
			))
			defer gspan.End()
			o.metrics.GroupStarted()
			defer o.metrics.GroupFinished()
			w.run(gctx)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Info("refresh cancelled, not waiting for running fetches")
		span.SetStatus(codes.Error, "cancelled")
		// Fetches still running may store prices after the final flush.
		detached = true
		go func() {
			defer o.running.Done()
			<-done
			if o.markModified(persistCtx, run.PortfolioID, req) {
				logger.Info("prices modified after cancellation")
			}
		}()
	}

	// final is set by the deferred flush.
	return Snapshot{}, ctx.Err()
}
