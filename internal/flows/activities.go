package flows

import (
	"context"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/health-dataset-builder/internal/registry"
	"github.com/sells-group/health-dataset-builder/internal/scheduler"
)

// Builder runs dataset builds.
type Builder interface {
	RunDataset(ctx context.Context, datasetID string, fullRefresh bool) (string, error)
	Registry() *registry.Registry
}

// Continuous runs a continuous ingestion pass.
type Continuous interface {
	Run(ctx context.Context, datasetID string) (*scheduler.Report, error)
}

// Activities exposes the builder and scheduler to workflows.
type Activities struct {
	builder    Builder
	continuous Continuous
}

// NewActivities creates the activity set.
func NewActivities(b Builder, c Continuous) *Activities {
	return &Activities{builder: b, continuous: c}
}

// BuildDataset runs one build.
func (a *Activities) BuildDataset(ctx context.Context, in BuildInput) (string, error) {
	zap.L().Info("flows: build activity started",
		zap.String("dataset_id", in.DatasetID),
		zap.Bool("full_refresh", in.FullRefresh),
	)
	return a.builder.RunDataset(ctx, in.DatasetID, in.FullRefresh)
}

// ListDatasets returns registry dataset ids in registry order.
func (a *Activities) ListDatasets(_ context.Context) ([]string, error) {
	all := a.builder.Registry().All()
	ids := make([]string, 0, len(all))
	for _, d := range all {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// RunContinuous runs one scheduler pass.
func (a *Activities) RunContinuous(ctx context.Context, in ContinuousInput) (*scheduler.Report, error) {
	return a.continuous.Run(ctx, in.DatasetID)
}

// Register adds every workflow and activity to w.
func Register(w worker.Registry, a *Activities) {
	w.RegisterActivity(a)
	w.RegisterWorkflowWithOptions(DatasetBuildWorkflow, workflow.RegisterOptions{Name: DatasetBuildWorkflowName})
	w.RegisterWorkflowWithOptions(RunAllDatasetsWorkflow, workflow.RegisterOptions{Name: RunAllDatasetsWorkflowName})
	w.RegisterWorkflowWithOptions(ContinuousIngestionWorkflow, workflow.RegisterOptions{Name: ContinuousIngestionWorkflowName})
}

// NewWorker creates a worker on taskQueue with every flow registered.
func NewWorker(c client.Client, taskQueue string, a *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	Register(w, a)
	return w
}
