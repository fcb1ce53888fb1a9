package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// groupWorker drains the tasks of one grouping key, one at a time.
type groupWorker struct {
	key   string
	queue []*task

	req     *Request
	store   Store
	logger  *slog.Logger
	metrics Metrics
	// onAuthExpired is called when a feed of the group reports an expired session.
	onAuthExpired func(feedID string)
}

func (w *groupWorker) pop() *task {
	t := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	return t
}

func (w *groupWorker) pushFront(t *task) {
	w.queue = append([]*task{t}, w.queue...)
}

// run processes the queue until it is empty, the group is aborted, or ctx is
// cancelled. Cancellation is observed before each fetch and while waiting
// out a rate limit; fetches themselves run to completion.
func (w *groupWorker) run(ctx context.Context) {
	if len(w.queue) == 0 {
		return
	}
	// All tasks of a group share one provider's limits.
	attempts := w.queue[0].attempts
	fetchCtx := context.WithoutCancel(ctx)

	for len(w.queue) > 0 {
		if ctx.Err() != nil {
			return
		}
		t := w.pop()
		t.cell.set(StateLoading, "")

		start := time.Now()
		out := t.execute(fetchCtx, w.store)
		w.metrics.ObserveFetch(t.feed.ID(), t.kind.String(), out.kind.String(), time.Since(start))

		switch out.kind {
		case outcomeModified:
			t.cell.set(StateModified, out.reason)
			w.req.markDirty()
			w.markRefreshed(fetchCtx, t)

		case outcomeUnmodified:
			t.cell.set(StateUnmodified, out.reason)
			w.markRefreshed(fetchCtx, t)

		case outcomePermanent:
			w.logger.Error("feed cannot serve instrument, flagging as broken",
				"instrument", t.inst.ID, "feed", t.feed.ID(), "kind", t.kind.String(), "error", out.err)
			if err := w.store.MarkBroken(fetchCtx, t.inst.ID, out.reason); err != nil {
				w.logger.Warn("flag instrument broken", "instrument", t.inst.ID, "error", err)
			}
			t.cell.set(StateError, out.reason)

		case outcomeAuthExpired:
			w.logger.Warn("feed session expired, aborting group",
				"feed", t.feed.ID(), "pending", len(w.queue)+1)
			w.abort(t, out.reason)
			if w.onAuthExpired != nil {
				w.onAuthExpired(t.feed.ID())
			}
			return

		case outcomeRateLimited:
			attempts--
			if attempts > 0 && out.retryAfter > 0 {
				t.cell.set(StateWaiting, fmt.Sprintf("rate limited, retrying in %s", out.retryAfter))
				w.pushFront(t)
				if err := sleep(ctx, out.retryAfter); err != nil {
					return
				}
				continue
			}
			w.logger.Warn("rate limit budget exhausted, aborting group",
				"feed", t.feed.ID(), "pending", len(w.queue)+1)
			w.abort(t, out.reason)
			return

		default:
			w.logger.Warn("fetch failed",
				"instrument", t.inst.ID, "feed", t.feed.ID(), "kind", t.kind.String(), "error", out.err)
			t.cell.set(StateError, out.reason)
		}
	}
}

// abort fails current and every task still queued with the same message.
func (w *groupWorker) abort(current *task, msg string) {
	current.cell.set(StateError, msg)
	for len(w.queue) > 0 {
		w.pop().cell.set(StateError, msg)
	}
}

func (w *groupWorker) markRefreshed(ctx context.Context, t *task) {
	if err := w.store.MarkRefreshed(ctx, t.inst.ID, time.Now().UTC()); err != nil {
		w.logger.Warn("record refresh time", "instrument", t.inst.ID, "error", err)
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
