// Package build sequences one dataset build: fetch, transform, PII gate,
// validation, exports and the manifest write. A build either ends with a
// manifest on disk or leaves none.
package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sells-group/health-dataset-builder/internal/canonical"
	"github.com/sells-group/health-dataset-builder/internal/config"
	"github.com/sells-group/health-dataset-builder/internal/connector"
	"github.com/sells-group/health-dataset-builder/internal/pii"
	"github.com/sells-group/health-dataset-builder/internal/registry"
)

// State is a step of the build state machine.
type State string

// Build states in execution order. Failed is reachable from any step.
const (
	StateFetching        State = "fetching"
	StateTransforming    State = "transforming"
	StatePIIGating       State = "pii_gating"
	StateValidating      State = "validating"
	StateExporting       State = "exporting"
	StateManifestWriting State = "manifest_writing"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// StateError records the step a build failed in.
type StateError struct {
	DatasetID string
	State     State
	Err       error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("build: %s: %s: %v", e.DatasetID, e.State, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// PIIBlockedError is returned when findings exist and the dataset's policy
// blocks on suspected PII.
type PIIBlockedError struct {
	Findings []pii.Finding
}

func (e *PIIBlockedError) Error() string {
	raw, _ := json.Marshal(e.Findings)
	return "PII suspected; build blocked: " + string(raw)
}

// Connectors resolves connectors by kind and purges their caches.
type Connectors interface {
	New(kind string) (connector.Connector, error)
	Purge(kind string) error
}

// Ledger records build attempts. Failures to record never fail a build.
type Ledger interface {
	Start(ctx context.Context, datasetID, timestamp string) (string, error)
	Complete(ctx context.Context, id, manifestPath string) error
	Fail(ctx context.Context, id, state string, cause error) error
}

// Warehouse loads a validated table after the gold write.
type Warehouse interface {
	Load(ctx context.Context, datasetID, timestamp string, t *canonical.Table) (int64, error)
	QualifiedTable() string
}

// Builder runs dataset builds against one registry snapshot.
type Builder struct {
	paths      config.PathsConfig
	registry   *registry.Registry
	connectors Connectors
	ledger     Ledger
	warehouse  Warehouse
	timeout    time.Duration
	now        func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithLedger records every attempt in l.
func WithLedger(l Ledger) Option {
	return func(b *Builder) { b.ledger = l }
}

// WithWarehouse loads gold tables into w.
func WithWarehouse(w Warehouse) Option {
	return func(b *Builder) { b.warehouse = w }
}

// WithTimeout bounds each build. Zero disables the deadline.
func WithTimeout(d time.Duration) Option {
	return func(b *Builder) { b.timeout = d }
}

// WithClock overrides the clock used for build timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// New creates a Builder.
func New(paths config.PathsConfig, reg *registry.Registry, connectors Connectors, opts ...Option) *Builder {
	b := &Builder{
		paths:      paths,
		registry:   reg,
		connectors: connectors,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry returns the registry the builder was created with.
func (b *Builder) Registry() *registry.Registry {
	return b.registry
}

// ManifestRoot returns the directory that holds every dataset's manifests.
func (b *Builder) ManifestRoot() string {
	return b.paths.ManifestDir
}

// Now returns the builder's current time.
func (b *Builder) Now() time.Time {
	return b.now()
}

// RunAll builds every dataset in registry order and stops at the first error.
func (b *Builder) RunAll(ctx context.Context) ([]string, error) {
	var paths []string
	for _, ds := range b.registry.All() {
		p, err := b.RunDataset(ctx, ds.ID, false)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func wrapState(datasetID string, state State, err error) error {
	if err == nil {
		return nil
	}
	return &StateError{DatasetID: datasetID, State: state, Err: err}
}

// FailedState returns the state err was raised in, or "" when unknown.
func FailedState(err error) State {
	var se *StateError
	if errors.As(err, &se) {
		return se.State
	}
	return ""
}
