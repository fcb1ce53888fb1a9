package main

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pricerefresh/internal/app"
	"pricerefresh/internal/refresh"
)

var errTasksFailed = errors.New("some refresh tasks failed")

func newRunCmd(rc *rootConfig) *cobra.Command {
	var (
		portfolio    string
		instruments  []string
		noHistorical bool
		noLatest     bool
		unattended   bool
		quiet        bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Refresh one portfolio and print a status table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if noHistorical && noLatest {
				return fmt.Errorf("--no-historical and --no-latest leave nothing to refresh")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stderr := cmd.ErrOrStderr()
			a, err := rc.open(ctx, cmd, app.WithAuthPrompter(&stderrPrompter{w: stderr}))
			if err != nil {
				return err
			}
			defer a.Close()
			a.Start(ctx)

			if portfolio == "" {
				portfolio = a.Config.DefaultPortfolio
			}
			if !quiet {
				lp := &lineProgress{w: stderr}
				a.Progress.Register(portfolio, lp)
				defer a.Progress.Unregister(portfolio, lp)
			}

			ro := app.RunOptions{Interactive: !unattended, InstrumentIDs: instruments}
			if noHistorical {
				ro.Historical = new(bool)
			}
			if noLatest {
				ro.Latest = new(bool)
			}
			snap, runErr := a.Refresh(ctx, portfolio, ro)

			if err := printTable(cmd.OutOrStdout(), snap); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			if failed(snap) {
				return errTasksFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&portfolio, "portfolio", "p", "", "portfolio to refresh (default from config)")
	cmd.Flags().StringSliceVarP(&instruments, "instrument", "i", nil, "only refresh these instrument ids")
	cmd.Flags().BoolVar(&noHistorical, "no-historical", false, "skip historical prices")
	cmd.Flags().BoolVar(&noLatest, "no-latest", false, "skip latest quotes")
	cmd.Flags().BoolVar(&unattended, "unattended", false, "never ask to log in to feeds")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	return cmd
}

// lineProgress prints one line whenever the completed count changes.
type lineProgress struct {
	mu   sync.Mutex
	w    io.Writer
	last int
}

func (l *lineProgress) OnProgress(_ refresh.Run, s refresh.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.CompletedTaskCount == l.last && !s.Final {
		return
	}
	l.last = s.CompletedTaskCount
	fmt.Fprintf(l.w, "refreshed %d/%d\n", s.CompletedTaskCount, s.TaskCount)
}

type stderrPrompter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *stderrPrompter) RequestLogin(feedID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "feed %s needs a login: sign in and run again\n", feedID)
}

func printTable(w io.Writer, s refresh.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTRUMENT\tHISTORICAL\tLATEST\tMESSAGE")
	for _, e := range s.Entries {
		msg := e.Historical.Message
		if msg == "" {
			msg = e.Latest.Message
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.InstrumentID, e.Historical.State, e.Latest.State, msg)
	}
	return tw.Flush()
}

func failed(s refresh.Snapshot) bool {
	for _, e := range s.Entries {
		if e.Historical.State == refresh.StateError || e.Latest.State == refresh.StateError {
			return true
		}
	}
	return false
}
