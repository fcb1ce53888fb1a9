// Package scheduler repeats a job with a fixed pause between the end of one
// run and the start of the next.
package scheduler

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Job is one scheduled execution. Its error is logged and does not stop the
// schedule.
type Job func(ctx context.Context) error

// Repeat runs job immediately, waits for it to return, waits interval and
// runs it again until ctx is cancelled. Runs never overlap. Repeat returns
// ctx.Err().
func Repeat(ctx context.Context, name string, interval time.Duration, job Job, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "scheduler", "job", name)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		start := time.Now()
		if err := job(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("scheduled job failed", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		} else {
			logger.Debug("scheduled job finished", "elapsed", time.Since(start).Round(time.Millisecond))
		}
		timer.Reset(interval)
	}
}
