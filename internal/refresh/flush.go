package refresh

import (
	"context"
	"sync"
	"time"
)

// startFlusher publishes a snapshot and flushes the dirty flag every
// flushInterval until the returned stop function is called. stop waits for
// an in-progress flush to finish.
func (o *Orchestrator) startFlusher(ctx context.Context, run Run, req *Request) (stop func()) {
	ticker := time.NewTicker(o.flushInterval)
	quit := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				o.flush(ctx, run, req, false)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			<-exited
		})
	}
}

func (o *Orchestrator) flush(ctx context.Context, run Run, req *Request, final bool) Snapshot {
	o.markModified(ctx, run.PortfolioID, req)

	s := req.Snapshot(run)
	if final {
		s.Final = true
		o.publisher.Complete(run, s)
	} else {
		o.publisher.Publish(run, s)
	}
	return s
}

// markModified reports a pending modification of the request, if any.
func (o *Orchestrator) markModified(ctx context.Context, portfolioID string, req *Request) bool {
	if !req.takeDirty() {
		return false
	}
	if err := o.store.MarkModified(ctx, portfolioID); err != nil {
		o.logger.Warn("mark portfolio modified", "portfolio", portfolioID, "error", err)
	}
	o.metrics.ModifiedFlushed(portfolioID)
	return true
}

type nopPublisher struct{}

func (nopPublisher) SetLatestRun(Run)       {}
func (nopPublisher) Publish(Run, Snapshot)  {}
func (nopPublisher) Complete(Run, Snapshot) {}

type nopMetrics struct{}

func (nopMetrics) ObserveFetch(string, string, string, time.Duration) {}
func (nopMetrics) GroupStarted()                                      {}
func (nopMetrics) GroupFinished()                                     {}
func (nopMetrics) RunFinished(string, bool)                           {}
func (nopMetrics) ModifiedFlushed(string)                             {}
