// Package scheduler runs the continuous ingestion pass: it picks datasets
// whose last successful build is older than their minimum interval and
// builds them one at a time, stopping after too many consecutive failures.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/health-dataset-builder/internal/manifest"
	"github.com/sells-group/health-dataset-builder/internal/registry"
	"github.com/sells-group/health-dataset-builder/internal/resilience"
)

// Result statuses.
const (
	StatusBuilt  = "built"
	StatusFailed = "failed"
)

// Runner builds one dataset and returns its manifest path.
type Runner interface {
	RunDataset(ctx context.Context, datasetID string, fullRefresh bool) (string, error)
}

// Result is the outcome of one dataset in a pass.
type Result struct {
	DatasetID string `json:"dataset_id"`
	Status    string `json:"status"`
	Manifest  string `json:"manifest,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Report summarizes a pass. ExecutedCount is below SelectedCount when the
// breaker stopped the pass early. BreakerState and ConsecutiveFailures are
// the breaker's counters when the pass ended.
type Report struct {
	SelectedCount       int      `json:"selected_count"`
	ExecutedCount       int      `json:"executed_count"`
	FailureThreshold    int      `json:"failure_threshold"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	BreakerState        string   `json:"breaker_state"`
	Aborted             bool     `json:"aborted"`
	Results             []Result `json:"results"`
}

// IsDue reports whether a dataset with policy p should build at now given
// the time of its latest successful build (nil if none).
func IsDue(p registry.ContinuousPolicy, latest *time.Time, now time.Time) bool {
	if !p.Enabled {
		return false
	}
	if latest == nil {
		return true
	}
	return now.Sub(*latest) >= time.Duration(p.MinIntervalMinutes)*time.Minute
}

// Scheduler selects due datasets and runs them through a Runner.
type Scheduler struct {
	registry     *registry.Registry
	manifestRoot string
	runner       Runner
	threshold    int
	now          func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock used for due checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. threshold is the consecutive-failure count that
// aborts a pass; values below 1 default to 3.
func New(reg *registry.Registry, manifestRoot string, runner Runner, threshold int, opts ...Option) *Scheduler {
	if threshold < 1 {
		threshold = 3
	}
	s := &Scheduler{
		registry:     reg,
		manifestRoot: manifestRoot,
		runner:       runner,
		threshold:    threshold,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the due datasets in registry order, optionally restricted
// to datasetID. An unreadable latest manifest counts as due.
func (s *Scheduler) Select(datasetID string) ([]registry.DatasetConfig, error) {
	candidates, err := s.registry.Select(datasetID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()

	var due []registry.DatasetConfig
	for _, ds := range candidates {
		if !ds.Continuous.Enabled {
			continue
		}
		latest, err := manifest.LatestTime(s.manifestRoot, ds.ID)
		if err != nil {
			zap.L().Warn("scheduler: unreadable latest manifest, treating as due",
				zap.String("dataset_id", ds.ID), zap.Error(err))
			latest = nil
		}
		if IsDue(ds.Continuous, latest, now) {
			due = append(due, ds)
		}
	}
	return due, nil
}

// Run executes one continuous pass. Build failures are contained in the
// report; only selection errors are returned.
func (s *Scheduler) Run(ctx context.Context, datasetID string) (*Report, error) {
	selected, err := s.Select(datasetID)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("component", "scheduler"))
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: s.threshold,
		OnStateChange: func(from, to resilience.CircuitState) {
			log.Warn("scheduler: failure threshold reached, aborting pass",
				zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})

	report := &Report{
		SelectedCount:    len(selected),
		FailureThreshold: breaker.Threshold(),
		Results:          make([]Result, 0, len(selected)),
	}

	for _, ds := range selected {
		if err := breaker.Allow(); err != nil {
			report.Aborted = true
			break
		}
		if err := ctx.Err(); err != nil {
			report.Aborted = true
			break
		}

		var manifestPath string
		err := breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			manifestPath, err = s.runner.RunDataset(ctx, ds.ID, false)
			return err
		})
		if err != nil {
			log.Error("scheduler: dataset build failed", zap.String("dataset_id", ds.ID), zap.Error(err))
			report.Results = append(report.Results, Result{DatasetID: ds.ID, Status: StatusFailed, Error: err.Error()})
			continue
		}
		report.Results = append(report.Results, Result{DatasetID: ds.ID, Status: StatusBuilt, Manifest: manifestPath})
	}
	report.ExecutedCount = len(report.Results)
	failures, state := breaker.Counters()
	report.ConsecutiveFailures = failures
	report.BreakerState = state.String()

	log.Info("scheduler: pass complete",
		zap.Int("selected", report.SelectedCount),
		zap.Int("executed", report.ExecutedCount),
		zap.Int("consecutive_failures", failures),
		zap.Stringer("breaker", state),
		zap.Bool("aborted", report.Aborted),
	)
	return report, nil
}
