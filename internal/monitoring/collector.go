// Package monitoring summarizes recent build health from the run ledger and
// the manifest tree, and raises webhook alerts when thresholds are crossed.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/health-dataset-builder/internal/ledger"
	"github.com/sells-group/health-dataset-builder/internal/manifest"
	"github.com/sells-group/health-dataset-builder/internal/registry"
)

// historyLimit bounds how many ledger entries one snapshot scans.
const historyLimit = 10000

// MetricsSnapshot is a point-in-time view of build health.
type MetricsSnapshot struct {
	BuildsTotal    int     `json:"builds_total"`
	BuildsComplete int     `json:"builds_complete"`
	BuildsFailed   int     `json:"builds_failed"`
	BuildsRunning  int     `json:"builds_running"`
	FailureRate    float64 `json:"failure_rate"`

	// FailedByState counts failed builds by the state they failed in.
	FailedByState map[string]int `json:"failed_by_state"`
	// StaleDatasets lists continuous datasets overdue by more than the
	// configured factor of their interval, or never built.
	StaleDatasets []string `json:"stale_datasets"`
	// FailingStreaks maps a continuous dataset to the number of its most
	// recent builds that failed in a row. Datasets whose latest finished
	// build completed are omitted.
	FailingStreaks map[string]int `json:"failing_streaks"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// History reads build attempts.
type History interface {
	List(ctx context.Context, datasetID string, limit int) ([]ledger.Entry, error)
}

// Collector gathers snapshots from the ledger and manifest tree.
type Collector struct {
	history      History
	registry     *registry.Registry
	manifestRoot string
	staleFactor  int
	now          func() time.Time
}

// NewCollector creates a collector. reg may be nil to skip staleness checks.
func NewCollector(history History, reg *registry.Registry, manifestRoot string, staleFactor int) *Collector {
	if staleFactor < 1 {
		staleFactor = 3
	}
	return &Collector{
		history:      history,
		registry:     reg,
		manifestRoot: manifestRoot,
		staleFactor:  staleFactor,
		now:          time.Now,
	}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		FailedByState:  map[string]int{},
		StaleDatasets:  []string{},
		FailingStreaks: map[string]int{},
		LookbackHours:  lookbackHours,
		CollectedAt:    now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	entries, err := c.history.List(ctx, "", historyLimit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list builds")
	}
	for _, e := range entries {
		if e.StartedAt.Before(cutoff) {
			continue
		}
		snap.BuildsTotal++
		switch e.Status {
		case ledger.StatusComplete:
			snap.BuildsComplete++
		case ledger.StatusFailed:
			snap.BuildsFailed++
			snap.FailedByState[e.State]++
		case ledger.StatusRunning:
			snap.BuildsRunning++
		}
	}
	if finished := snap.BuildsComplete + snap.BuildsFailed; finished > 0 {
		snap.FailureRate = float64(snap.BuildsFailed) / float64(finished)
	}

	snap.FailingStreaks = c.failingStreaks(entries)
	if c.registry != nil {
		snap.StaleDatasets = c.staleDatasets(now)
	}
	return snap, nil
}

// failingStreaks walks entries newest first over the whole listed history;
// the lookback window does not apply.
func (c *Collector) failingStreaks(entries []ledger.Entry) map[string]int {
	var continuous map[string]bool
	if c.registry != nil {
		continuous = map[string]bool{}
		for _, ds := range c.registry.All() {
			continuous[ds.ID] = ds.Continuous.Enabled
		}
	}

	streaks := map[string]int{}
	settled := map[string]bool{}
	for _, e := range entries {
		if settled[e.DatasetID] || e.Status == ledger.StatusRunning {
			continue
		}
		if continuous != nil && !continuous[e.DatasetID] {
			continue
		}
		if e.Status != ledger.StatusFailed {
			settled[e.DatasetID] = true
			continue
		}
		streaks[e.DatasetID]++
	}
	return streaks
}

func (c *Collector) staleDatasets(now time.Time) []string {
	stale := []string{}
	for _, ds := range c.registry.All() {
		if !ds.Continuous.Enabled {
			continue
		}
		latest, err := manifest.LatestTime(c.manifestRoot, ds.ID)
		if err != nil {
			zap.L().Warn("monitoring: unreadable latest manifest", zap.String("dataset_id", ds.ID), zap.Error(err))
			stale = append(stale, ds.ID)
			continue
		}
		limit := time.Duration(ds.Continuous.MinIntervalMinutes*c.staleFactor) * time.Minute
		if latest == nil || now.Sub(*latest) > limit {
			stale = append(stale, ds.ID)
		}
	}
	sort.Strings(stale)
	return stale
}
