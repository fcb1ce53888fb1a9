package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pricerefresh/internal/feed"
	"pricerefresh/internal/instrument"
)

// task is one fetch of one refresh kind for one instrument. The kind field
// selects which feed operation runs; everything else is shared.
type task struct {
	kind     feed.Kind
	groupKey string
	feed     feed.Feed
	cell     *Cell
	inst     instrument.Instrument
	// mergeLatest is set on historical tasks whose feed also delivers the
	// latest quote; no separate latest task exists for the instrument.
	mergeLatest bool

	merges   bool // feed.MergeRequests
	attempts int  // feed.MaxRetryAttempts
}

type outcomeKind int

const (
	outcomeModified outcomeKind = iota
	outcomeUnmodified
	outcomeRateLimited
	outcomePermanent
	outcomeAuthExpired
	outcomeTransient
)

var outcomeNames = [...]string{"modified", "unmodified", "rate_limited", "permanent", "auth_expired", "transient"}

func (k outcomeKind) String() string { return outcomeNames[k] }

// outcome is the explicit result of executing a task.
type outcome struct {
	kind       outcomeKind
	retryAfter time.Duration
	// reason is the fault message for the non-success kinds and the
	// non-fatal warnings for the success kinds.
	reason string
	err    error
}

func changed(c bool, warnings string) outcome {
	if c {
		return outcome{kind: outcomeModified, reason: warnings}
	}
	return outcome{kind: outcomeUnmodified, reason: warnings}
}

// classify maps a feed error to an outcome.
func classify(err error) outcome {
	var (
		auth *feed.AuthExpiredError
		perm *feed.PermanentError
		rl   *feed.RateLimitError
	)
	switch {
	case errors.As(err, &auth):
		return outcome{kind: outcomeAuthExpired, reason: auth.Error(), err: err}
	case errors.As(err, &perm):
		return outcome{kind: outcomePermanent, reason: perm.Error(), err: err}
	case errors.As(err, &rl):
		return outcome{kind: outcomeRateLimited, retryAfter: rl.RetryAfter, reason: rl.Error(), err: err}
	default:
		return outcome{kind: outcomeTransient, reason: err.Error(), err: err}
	}
}

// execute fetches and stores prices. A panicking feed fails only this task.
func (t *task) execute(ctx context.Context, store Store) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("feed %s panicked: %v", t.feed.ID(), r)
			out = outcome{kind: outcomeTransient, reason: err.Error(), err: err}
		}
	}()

	switch t.kind {
	case feed.Historical:
		data, err := t.feed.FetchHistorical(ctx, t.inst)
		if err != nil {
			return classify(err)
		}
		modified, err := store.ApplyHistorical(ctx, t.inst.ID, data.Prices)
		if err != nil {
			return storeFailure(err)
		}
		if t.mergeLatest && data.Latest != nil {
			latestModified, err := store.ApplyLatest(ctx, t.inst.ID, *data.Latest)
			if err != nil {
				return storeFailure(err)
			}
			modified = modified || latestModified
		}
		return changed(modified, joinWarnings(data.Errors))

	case feed.Latest:
		p, err := t.feed.FetchLatest(ctx, t.inst)
		if err != nil {
			return classify(err)
		}
		if p == nil {
			return changed(false, "")
		}
		modified, err := store.ApplyLatest(ctx, t.inst.ID, *p)
		if err != nil {
			return storeFailure(err)
		}
		return changed(modified, "")

	default:
		err := fmt.Errorf("unknown task kind %d", t.kind)
		return outcome{kind: outcomeTransient, reason: err.Error(), err: err}
	}
}

func storeFailure(err error) outcome {
	err = fmt.Errorf("store prices: %w", err)
	return outcome{kind: outcomeTransient, reason: err.Error(), err: err}
}

func joinWarnings(errs []error) string {
	if len(errs) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			msgs = append(msgs, e.Error())
		}
	}
	return strings.Join(msgs, "; ")
}
