package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		flagJournal string
		flagLimit   int
		flagJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sync cycles from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			j := openJournal(flagJournal)
			defer closeJournal(j)

			entries, err := recentHistory(cmd.Context(), j, flagLimit)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tSTATION\tOK\tEXTRACTED\tDISCARDED\tDELIVERED\tERROR")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%d\t%d\t%s\n",
					e.StartedAt.Local().Format(time.DateTime), e.Station, e.Success,
					e.Extracted, e.Discarded, e.Delivered, e.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&flagJournal, "journal", "", "Cycle journal SQLite path")
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "Number of cycles to show")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
