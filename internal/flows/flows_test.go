package flows

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/sells-group/health-dataset-builder/internal/registry"
	"github.com/sells-group/health-dataset-builder/internal/scheduler"
)

const flowRegistry = `
datasets:
  - id: alpha
    title: a
    description: d
    refresh_cron: c
    license: {name: n, url: u, attribution: a}
    pii_policy: {}
    validations_suite: canonical_v1
    output_schemas: {canonical: canonical_v1}
    sources: [{connector: local_file, params: {path: a.csv}}]
  - id: beta
    title: b
    description: d
    refresh_cron: c
    license: {name: n, url: u, attribution: a}
    pii_policy: {}
    validations_suite: canonical_v1
    output_schemas: {canonical: canonical_v1}
    sources: [{connector: local_file, params: {path: b.csv}}]
  - id: gamma
    title: g
    description: d
    refresh_cron: c
    license: {name: n, url: u, attribution: a}
    pii_policy: {}
    validations_suite: canonical_v1
    output_schemas: {canonical: canonical_v1}
    sources: [{connector: local_file, params: {path: g.csv}}]
`

type fakeBuilder struct {
	reg   *registry.Registry
	fail  map[string]bool
	calls []BuildInput
}

func (f *fakeBuilder) RunDataset(_ context.Context, id string, full bool) (string, error) {
	f.calls = append(f.calls, BuildInput{DatasetID: id, FullRefresh: full})
	if f.fail[id] {
		return "", errors.New("compliance: local source path does not exist")
	}
	return fmt.Sprintf("manifests/%s/20260101T000000Z/manifest.json", id), nil
}

func (f *fakeBuilder) Registry() *registry.Registry { return f.reg }

type fakeContinuous struct {
	gotDataset string
	report     *scheduler.Report
	err        error
}

func (f *fakeContinuous) Run(_ context.Context, datasetID string) (*scheduler.Report, error) {
	f.gotDataset = datasetID
	return f.report, f.err
}

func newBuilder(t *testing.T) *fakeBuilder {
	t.Helper()
	reg, err := registry.Parse([]byte(flowRegistry))
	require.NoError(t, err)
	return &fakeBuilder{reg: reg, fail: map[string]bool{}}
}

func newEnv(a *Activities) *testsuite.TestWorkflowEnvironment {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivity(a)
	return env
}

func TestDatasetBuildWorkflow(t *testing.T) {
	b := newBuilder(t)
	env := newEnv(NewActivities(b, &fakeContinuous{}))

	env.ExecuteWorkflow(DatasetBuildWorkflow, BuildInput{DatasetID: "alpha", FullRefresh: true})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var manifestPath string
	require.NoError(t, env.GetWorkflowResult(&manifestPath))
	assert.Equal(t, "manifests/alpha/20260101T000000Z/manifest.json", manifestPath)
	assert.Equal(t, []BuildInput{{DatasetID: "alpha", FullRefresh: true}}, b.calls)
}

func TestDatasetBuildWorkflow_FailureNotRetried(t *testing.T) {
	b := newBuilder(t)
	b.fail["alpha"] = true
	env := newEnv(NewActivities(b, &fakeContinuous{}))

	env.ExecuteWorkflow(DatasetBuildWorkflow, BuildInput{DatasetID: "alpha"})
	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compliance")
	assert.Len(t, b.calls, 1)
}

func TestDatasetBuildWorkflow_RequiresDataset(t *testing.T) {
	b := newBuilder(t)
	env := newEnv(NewActivities(b, &fakeContinuous{}))

	env.ExecuteWorkflow(DatasetBuildWorkflow, BuildInput{})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	assert.Empty(t, b.calls)
}

func TestRunAllDatasetsWorkflow(t *testing.T) {
	b := newBuilder(t)
	env := newEnv(NewActivities(b, &fakeContinuous{}))

	env.ExecuteWorkflow(RunAllDatasetsWorkflow)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var manifests []string
	require.NoError(t, env.GetWorkflowResult(&manifests))
	assert.Len(t, manifests, 3)
	require.Len(t, b.calls, 3)
	assert.Equal(t, "alpha", b.calls[0].DatasetID)
	assert.Equal(t, "gamma", b.calls[2].DatasetID)
}

func TestRunAllDatasetsWorkflow_StopsAtFirstFailure(t *testing.T) {
	b := newBuilder(t)
	b.fail["beta"] = true
	env := newEnv(NewActivities(b, &fakeContinuous{}))

	env.ExecuteWorkflow(RunAllDatasetsWorkflow)
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())

	var ids []string
	for _, c := range b.calls {
		ids = append(ids, c.DatasetID)
	}
	assert.Equal(t, []string{"alpha", "beta"}, ids)
}

func TestContinuousIngestionWorkflow(t *testing.T) {
	c := &fakeContinuous{report: &scheduler.Report{
		SelectedCount:    5,
		ExecutedCount:    3,
		FailureThreshold: 3,
		Aborted:          true,
		Results: []scheduler.Result{
			{DatasetID: "alpha", Status: scheduler.StatusFailed, Error: "boom"},
		},
	}}
	env := newEnv(NewActivities(newBuilder(t), c))

	env.ExecuteWorkflow(ContinuousIngestionWorkflow, ContinuousInput{DatasetID: "alpha"})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var report scheduler.Report
	require.NoError(t, env.GetWorkflowResult(&report))
	assert.Equal(t, "alpha", c.gotDataset)
	assert.Equal(t, 3, report.ExecutedCount)
	assert.Less(t, report.ExecutedCount, report.SelectedCount)
	assert.True(t, report.Aborted)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "boom", report.Results[0].Error)
}

func TestContinuousIngestionWorkflow_SelectionError(t *testing.T) {
	c := &fakeContinuous{err: errors.New("registry: unknown dataset")}
	env := newEnv(NewActivities(newBuilder(t), c))

	env.ExecuteWorkflow(ContinuousIngestionWorkflow, ContinuousInput{DatasetID: "nope"})
	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown dataset")
}

func TestListDatasets(t *testing.T) {
	a := NewActivities(newBuilder(t), &fakeContinuous{})
	ids, err := a.ListDatasets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, ids)
}
