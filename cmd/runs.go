package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/health-dataset-builder/internal/ledger"
)

var (
	runsDataset string
	runsLimit   int
	runsJSON    bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show build attempt history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		led, err := ledger.Open(ctx, cfg.Ledger.Path)
		if err != nil {
			return err
		}
		defer led.Close() //nolint:errcheck

		entries, err := led.List(ctx, runsDataset, runsLimit)
		if err != nil {
			return eris.Wrap(err, "runs")
		}

		if runsJSON {
			if entries == nil {
				entries = []ledger.Entry{}
			}
			return printJSON(cmd.OutOrStdout(), entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No runs found.")
			return nil
		}
		formatRuns(cmd.OutOrStdout(), entries)
		return nil
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsDataset, "dataset", "", "filter by dataset id")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "max number of runs to display")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "print runs as JSON")
	rootCmd.AddCommand(runsCmd)
}
