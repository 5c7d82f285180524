package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newOnceCmd() *cobra.Command {
	var flagJournal string

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single sync cycle and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := openStore()
			j := openJournal(flagJournal)
			defer closeJournal(j)

			res := newCycle(j).Run(cmd.Context(), store.Get())
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return errors.Errorf("cycle failed: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagJournal, "journal", "", "Cycle journal SQLite path, \"off\" disables it")
	return cmd
}
