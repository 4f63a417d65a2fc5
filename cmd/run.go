package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runFullRefresh bool

var runCmd = &cobra.Command{
	Use:   "run <dataset-id>",
	Short: "Build one dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initBuild(ctx, "build")
		if err != nil {
			return err
		}
		defer env.Close()

		manifestPath, err := env.Builder.RunDataset(ctx, args[0], runFullRefresh)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]string{"manifest": manifestPath})
	},
}

var runAllCmd = &cobra.Command{
	Use:   "run-all",
	Short: "Build every registered dataset in order, stopping at the first failure",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initBuild(ctx, "build")
		if err != nil {
			return err
		}
		defer env.Close()

		// Manifests built before a failure are still reported.
		manifests, err := env.Builder.RunAll(ctx)
		if perr := printJSON(cmd.OutOrStdout(), map[string][]string{"manifests": manifests}); perr != nil && err == nil {
			return perr
		}
		return err
	},
}

var continuousDataset string

var continuousCmd = &cobra.Command{
	Use:   "continuous",
	Short: "Run one continuous ingestion pass over due datasets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initBuild(ctx, "continuous")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Scheduler().Run(ctx, continuousDataset)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runFullRefresh, "full-refresh", false, "purge the connector cache before fetching")
	continuousCmd.Flags().StringVar(&continuousDataset, "dataset", "", "restrict the pass to one dataset")
	rootCmd.AddCommand(runCmd, runAllCmd, continuousCmd)
}
