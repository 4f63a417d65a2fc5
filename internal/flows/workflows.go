// Package flows wraps dataset builds and continuous passes in Temporal
// workflows so they can be scheduled and retried by a worker.
package flows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/health-dataset-builder/internal/scheduler"
)

// Workflow names.
const (
	DatasetBuildWorkflowName        = "dataset-build"
	RunAllDatasetsWorkflowName      = "run-all-datasets"
	ContinuousIngestionWorkflowName = "continuous-ingestion"
)

// Builds run once per activity; each attempt would create a new timestamped run.
var buildActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 2 * time.Hour,
	RetryPolicy: &temporal.RetryPolicy{
		MaximumAttempts: 1,
	},
}

var listActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    3,
	},
}

var continuousActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 12 * time.Hour,
	RetryPolicy: &temporal.RetryPolicy{
		MaximumAttempts: 1,
	},
}

// BuildInput is the input of DatasetBuildWorkflow.
type BuildInput struct {
	DatasetID   string `json:"dataset_id"`
	FullRefresh bool   `json:"full_refresh"`
}

// ContinuousInput is the input of ContinuousIngestionWorkflow. An empty
// DatasetID considers every continuous dataset.
type ContinuousInput struct {
	DatasetID string `json:"dataset_id,omitempty"`
}

// acts is only used to reference activity methods by name.
var acts *Activities

// DatasetBuildWorkflow builds one dataset and returns its manifest path.
func DatasetBuildWorkflow(ctx workflow.Context, in BuildInput) (string, error) {
	if in.DatasetID == "" {
		return "", temporal.NewNonRetryableApplicationError("dataset_id is required", "INVALID_INPUT", nil)
	}
	ctx = workflow.WithActivityOptions(ctx, buildActivityOptions)

	var manifestPath string
	if err := workflow.ExecuteActivity(ctx, acts.BuildDataset, in).Get(ctx, &manifestPath); err != nil {
		return "", err
	}
	workflow.GetLogger(ctx).Info("dataset built", "dataset_id", in.DatasetID, "manifest", manifestPath)
	return manifestPath, nil
}

// RunAllDatasetsWorkflow builds every registry dataset in order and stops
// at the first failure.
func RunAllDatasetsWorkflow(ctx workflow.Context) ([]string, error) {
	var ids []string
	listCtx := workflow.WithActivityOptions(ctx, listActivityOptions)
	if err := workflow.ExecuteActivity(listCtx, acts.ListDatasets).Get(listCtx, &ids); err != nil {
		return nil, err
	}

	buildCtx := workflow.WithActivityOptions(ctx, buildActivityOptions)
	manifests := make([]string, 0, len(ids))
	for _, id := range ids {
		var manifestPath string
		err := workflow.ExecuteActivity(buildCtx, acts.BuildDataset, BuildInput{DatasetID: id}).Get(buildCtx, &manifestPath)
		if err != nil {
			return manifests, err
		}
		manifests = append(manifests, manifestPath)
	}
	return manifests, nil
}

// ContinuousIngestionWorkflow runs one continuous pass.
func ContinuousIngestionWorkflow(ctx workflow.Context, in ContinuousInput) (*scheduler.Report, error) {
	ctx = workflow.WithActivityOptions(ctx, continuousActivityOptions)

	var report scheduler.Report
	if err := workflow.ExecuteActivity(ctx, acts.RunContinuous, in).Get(ctx, &report); err != nil {
		return nil, err
	}
	workflow.GetLogger(ctx).Info("continuous pass complete",
		"selected", report.SelectedCount,
		"executed", report.ExecutedCount,
		"aborted", report.Aborted,
	)
	return &report, nil
}
