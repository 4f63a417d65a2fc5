package build

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/health-dataset-builder/internal/canonical"
	"github.com/sells-group/health-dataset-builder/internal/codebook"
	"github.com/sells-group/health-dataset-builder/internal/connector"
	"github.com/sells-group/health-dataset-builder/internal/export"
	"github.com/sells-group/health-dataset-builder/internal/manifest"
	"github.com/sells-group/health-dataset-builder/internal/modeling"
	"github.com/sells-group/health-dataset-builder/internal/pii"
	"github.com/sells-group/health-dataset-builder/internal/registry"
	"github.com/sells-group/health-dataset-builder/internal/storage"
	"github.com/sells-group/health-dataset-builder/internal/tabular"
	"github.com/sells-group/health-dataset-builder/internal/transform"
	"github.com/sells-group/health-dataset-builder/internal/validate"
)

// Artifact names inside a run's directories.
const (
	SilverFile  = "normalized.parquet"
	GoldFile    = "canonical.parquet"
	LicenseFile = "LICENSE.md"
)

// forecastPrefix marks datasets that also get a per-indicator forecast.
const forecastPrefix = "tb_"

// run is the mutable state of one build.
type run struct {
	ds        registry.DatasetConfig
	timestamp string
	layout    manifest.Layout
	state     State

	fetched  *connector.FetchResult
	table    *canonical.Table
	findings []pii.Finding
	result   validate.Result
	m        *manifest.Manifest
	outputs  []string
}

// RunDataset builds datasetID and returns the path of the new manifest.
// With fullRefresh the source connector's cache is purged first.
func (b *Builder) RunDataset(ctx context.Context, datasetID string, fullRefresh bool) (string, error) {
	ds, err := b.registry.Get(datasetID)
	if err != nil {
		return "", err
	}
	if len(ds.Sources) == 0 {
		return "", eris.Errorf("build: dataset %q has no sources", datasetID)
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	r := &run{ds: ds, timestamp: manifest.Timestamp(b.now())}
	r.layout = manifest.NewLayout(b.paths.DataDir, b.paths.ManifestDir, ds.ID, r.timestamp)

	log := zap.L().With(zap.String("dataset_id", ds.ID), zap.String("timestamp", r.timestamp))
	log.Info("build: starting")
	start := time.Now()

	ledgerID := ""
	if b.ledger != nil {
		if ledgerID, err = b.ledger.Start(ctx, ds.ID, r.timestamp); err != nil {
			log.Warn("build: failed to record start", zap.Error(err))
		}
	}

	manifestPath, err := b.execute(ctx, r, fullRefresh, log)
	if err != nil {
		err = wrapState(ds.ID, r.state, err)
		log.Error("build: failed",
			zap.String("state", string(r.state)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		if ledgerID != "" {
			if lerr := b.ledger.Fail(context.WithoutCancel(ctx), ledgerID, string(r.state), err); lerr != nil {
				log.Warn("build: failed to record failure", zap.Error(lerr))
			}
		}
		return "", err
	}

	r.state = StateDone
	if ledgerID != "" {
		if lerr := b.ledger.Complete(ctx, ledgerID, manifestPath); lerr != nil {
			log.Warn("build: failed to record completion", zap.Error(lerr))
		}
	}
	log.Info("build complete",
		zap.Int("rows", r.table.Len()),
		zap.String("manifest", manifestPath),
		zap.Duration("elapsed", time.Since(start)),
	)
	return manifestPath, nil
}

func (b *Builder) execute(ctx context.Context, r *run, fullRefresh bool, log *zap.Logger) (string, error) {
	// Directories exist before anything else so failed runs are visible on disk.
	r.state = StateFetching
	if err := r.layout.Create(); err != nil {
		return "", err
	}

	steps := []struct {
		state State
		fn    func(context.Context, *run) error
	}{
		{StateFetching, func(ctx context.Context, r *run) error { return b.fetch(ctx, r, fullRefresh) }},
		{StateTransforming, b.transform},
		{StatePIIGating, b.gatePII},
		{StateValidating, b.validate},
		{StateExporting, b.export},
		{StateManifestWriting, b.writeManifest},
	}
	for _, step := range steps {
		r.state = step.state
		if err := ctx.Err(); err != nil {
			return "", eris.Wrap(err, "build: canceled")
		}
		log.Debug("build: entering state", zap.String("state", string(step.state)))
		if err := step.fn(ctx, r); err != nil {
			return "", err
		}
	}
	return r.layout.ManifestPath(), nil
}

func (b *Builder) fetch(ctx context.Context, r *run, fullRefresh bool) error {
	src := r.ds.Sources[0]
	conn, err := b.connectors.New(src.Connector)
	if err != nil {
		return err
	}
	if fullRefresh {
		if err := b.connectors.Purge(src.Connector); err != nil {
			return err
		}
	}
	r.fetched, err = conn.Fetch(ctx, src, r.layout.Bronze, b.registry.HTMLAllowlist)
	return err
}

func (b *Builder) transform(_ context.Context, r *run) error {
	src := r.ds.Sources[0]
	fn, err := transform.Lookup(src.String("transform", transform.LifeExpectancy))
	if err != nil {
		return err
	}
	raw, err := tabular.ReadFile(r.fetched.LocalPath)
	if err != nil {
		return err
	}
	r.table, err = fn(raw, r.fetched.SourceURL, r.ds.ID, transform.Options{
		Passthrough: src.Strings("passthrough_columns"),
		MaxRows:     src.Int("max_rows", 0),
	})
	return err
}

func (b *Builder) gatePII(_ context.Context, r *run) error {
	r.findings = pii.Detect(r.table)
	if len(r.findings) > 0 && r.ds.PIIPolicy.BlockIfSuspected {
		return &PIIBlockedError{Findings: r.findings}
	}
	if len(r.findings) > 0 {
		zap.L().Warn("build: PII suspected, continuing per policy",
			zap.String("dataset_id", r.ds.ID),
			zap.Int("findings", len(r.findings)),
		)
	}
	return nil
}

// validate writes the silver table, then checks it. Gold is only written
// once validation has passed.
func (b *Builder) validate(_ context.Context, r *run) error {
	silver := filepath.Join(r.layout.Silver, SilverFile)
	if err := storage.WriteCanonical(silver, r.table); err != nil {
		return err
	}
	r.outputs = append(r.outputs, silver)

	var err error
	r.result, err = validate.Canonical(r.table)
	return err
}

func (b *Builder) export(ctx context.Context, r *run) error {
	ds := r.ds
	m := &manifest.Manifest{
		DatasetID:     ds.ID,
		Timestamp:     r.timestamp,
		SchemaVersion: canonical.SchemaVersion,
		RowCount:      r.table.Len(),
		Provenance: []manifest.Provenance{{
			SourceURL:   r.fetched.SourceURL,
			FetchTime:   r.fetched.FetchedAt.UTC().Format(time.RFC3339),
			NotModified: r.fetched.NotModified,
		}},
		License: manifest.License{
			Name:        ds.License.Name,
			URL:         ds.License.URL,
			Attribution: ds.License.Attribution,
		},
		Validation: manifest.Validation{
			Suite: r.result.Suite,
			Rows:  r.result.Rows,
			Valid: r.result.Valid,
		},
		PIIFindings: make([]manifest.PIIFinding, 0, len(r.findings)),
	}
	for _, f := range r.findings {
		m.PIIFindings = append(m.PIIFindings, manifest.PIIFinding{Field: f.Field, Reason: f.Reason})
	}

	gold := filepath.Join(r.layout.Gold, GoldFile)
	if err := storage.WriteCanonical(gold, r.table); err != nil {
		return err
	}
	m.GoldOutputs = []string{gold}

	cbJSON, cbMD, err := codebook.Generate(r.table, ds.ID, r.layout.Manifest)
	if err != nil {
		return err
	}
	m.Codebook = manifest.Codebook{JSON: cbJSON, Markdown: cbMD}

	licensePath := filepath.Join(r.layout.Manifest, LicenseFile)
	if err := os.WriteFile(licensePath, []byte(manifest.LicenseText(m.License)), 0o644); err != nil {
		return eris.Wrapf(err, "build: write %s", licensePath)
	}

	fhirPath, err := export.FHIR(r.table, filepath.Join(r.layout.Gold, "fhir"), ds.ID)
	if err != nil {
		return err
	}
	omop, err := export.OMOP(r.table, filepath.Join(r.layout.Gold, "omop"))
	if err != nil {
		return err
	}
	m.Exporters = manifest.Exporters{OMOP: omop, FHIR: fhirPath}

	modelDir := filepath.Join(r.layout.Gold, "models")
	models, err := modeling.TrainBaseline(r.table, modelDir)
	if err != nil {
		return err
	}
	m.Models = models
	modelFiles := []string{models[modeling.KeyModel], models[modeling.KeyMetrics]}
	if strings.HasPrefix(ds.ID, forecastPrefix) {
		fc, err := modeling.Forecast(r.table, modelDir, modeling.DefaultForecastYears)
		if err != nil {
			return err
		}
		for k, v := range fc {
			m.Models[k] = v
		}
		modelFiles = append(modelFiles, fc[modeling.KeyForecast], fc[modeling.KeyForecastMetrics])
	}

	if b.warehouse != nil {
		n, err := b.warehouse.Load(ctx, ds.ID, r.timestamp, r.table)
		if err != nil {
			return err
		}
		m.Warehouse = &manifest.WarehouseLoad{Table: b.warehouse.QualifiedTable(), Rows: n}
	}

	r.outputs = append(r.outputs, gold, cbJSON, cbMD, licensePath, fhirPath)
	r.outputs = append(r.outputs, modelFiles...)
	for _, name := range []string{export.OMOPPerson, export.OMOPObservation, export.OMOPConditionOccurrence} {
		r.outputs = append(r.outputs, omop[name])
	}
	r.m = m
	return nil
}

func (b *Builder) writeManifest(ctx context.Context, r *run) error {
	hashes, err := manifest.Digest(ctx, r.outputs)
	if err != nil {
		return err
	}
	r.m.Hashes = hashes
	return manifest.Write(r.layout.ManifestPath(), r.m)
}
