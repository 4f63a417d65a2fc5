package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/health-dataset-builder/internal/flows"
)

func dialTemporal() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.Address,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, eris.Wrap(err, "temporal dial")
	}
	return c, nil
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Temporal worker serving the build flows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initBuild(cmd.Context(), "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		w := flows.NewWorker(c, cfg.Temporal.TaskQueue, flows.NewActivities(env.Builder, env.Scheduler()))
		zap.L().Info("temporal worker started", zap.String("task_queue", cfg.Temporal.TaskQueue))
		return w.Run(worker.InterruptCh())
	},
}

var flowCmd = &cobra.Command{
	Use:   "flow",
	Short: "Start build flows on a Temporal worker and wait for the result",
}

func startFlow(cmd *cobra.Command, name, idPrefix string, result any, args ...any) error {
	ctx := cmd.Context()
	if err := cfg.Validate("worker"); err != nil {
		return err
	}
	c, err := dialTemporal()
	if err != nil {
		return err
	}
	defer c.Close()

	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        idPrefix + "-" + time.Now().UTC().Format("20060102T150405Z"),
		TaskQueue: cfg.Temporal.TaskQueue,
	}, name, args...)
	if err != nil {
		return eris.Wrapf(err, "start workflow %s", name)
	}
	zap.L().Info("workflow started", zap.String("workflow_id", run.GetID()), zap.String("run_id", run.GetRunID()))

	if err := run.Get(ctx, result); err != nil {
		return eris.Wrapf(err, "workflow %s", run.GetID())
	}
	return printJSON(cmd.OutOrStdout(), result)
}

var flowBuildFullRefresh bool

var flowBuildCmd = &cobra.Command{
	Use:   "build <dataset-id>",
	Short: "Run the dataset build flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var manifestPath string
		in := flows.BuildInput{DatasetID: args[0], FullRefresh: flowBuildFullRefresh}
		return startFlow(cmd, flows.DatasetBuildWorkflowName, "dataset-build-"+args[0], &manifestPath, in)
	},
}

var flowRunAllCmd = &cobra.Command{
	Use:   "run-all",
	Short: "Run the run-all-datasets flow",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var manifests []string
		return startFlow(cmd, flows.RunAllDatasetsWorkflowName, "run-all-datasets", &manifests)
	},
}

var flowContinuousDataset string

var flowContinuousCmd = &cobra.Command{
	Use:   "continuous",
	Short: "Run the continuous ingestion flow",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var report any
		in := flows.ContinuousInput{DatasetID: flowContinuousDataset}
		return startFlow(cmd, flows.ContinuousIngestionWorkflowName, "continuous-ingestion", &report, in)
	},
}

func init() {
	flowBuildCmd.Flags().BoolVar(&flowBuildFullRefresh, "full-refresh", false, "purge the connector cache before fetching")
	flowContinuousCmd.Flags().StringVar(&flowContinuousDataset, "dataset", "", "restrict the pass to one dataset")
	flowCmd.AddCommand(flowBuildCmd, flowRunAllCmd, flowContinuousCmd)
	rootCmd.AddCommand(workerCmd, flowCmd)
}
