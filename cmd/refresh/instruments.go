package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newInstrumentsCmd(rc *rootConfig) *cobra.Command {
	var portfolio string
	cmd := &cobra.Command{
		Use:   "instruments",
		Short: "List the instruments of a portfolio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rc.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if portfolio == "" {
				portfolio = a.Config.DefaultPortfolio
			}

			instruments, err := a.Store.Instruments(cmd.Context(), portfolio)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSYMBOL\tFEED\tLAST REFRESHED\tBROKEN")
			for _, in := range instruments {
				last := "never"
				if in.LastRefreshed != nil {
					last = in.LastRefreshed.Local().Format("2006-01-02 15:04")
				}
				broken := ""
				if in.Broken {
					broken = in.BrokenReason
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", in.ID, in.Symbol, in.Feed, last, broken)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&portfolio, "portfolio", "p", "", "portfolio to list (default from config)")
	return cmd
}

func newUnbreakCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "unbreak <instrument-id>...",
		Short: "Clear the broken flag so instruments are refreshed again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rc.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			for _, id := range args {
				if err := a.Store.Unbreak(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", id)
			}
			return nil
		},
	}
}
