package build

import (
	"context"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/health-dataset-builder/internal/canonical"
	"github.com/sells-group/health-dataset-builder/internal/export"
	"github.com/sells-group/health-dataset-builder/internal/manifest"
	"github.com/sells-group/health-dataset-builder/internal/storage"
	"github.com/sells-group/health-dataset-builder/internal/validate"
)

// latestGold returns datasetID's latest manifest and the gold table it records.
func (b *Builder) latestGold(datasetID string) (*manifest.Manifest, string, error) {
	m, _, err := manifest.LoadLatest(b.paths.ManifestDir, datasetID)
	if err != nil {
		return nil, "", err
	}
	if len(m.GoldOutputs) == 0 {
		return nil, "", eris.Errorf("build: manifest for %s lists no gold outputs", datasetID)
	}
	return m, m.GoldOutputs[0], nil
}

// exportSource loads the latest gold table and picks a fresh export
// directory for it outside the build's own run directories.
func (b *Builder) exportSource(datasetID string) (*canonical.Table, string, error) {
	m, gold, err := b.latestGold(datasetID)
	if err != nil {
		return nil, "", err
	}
	t, err := storage.ReadCanonical(gold)
	if err != nil {
		return nil, "", err
	}
	dir := manifest.ExportDir(b.paths.DataDir, datasetID, m.Timestamp, manifest.Timestamp(b.now()))
	return t, dir, nil
}

// ValidateOutputs re-validates the gold table of the latest build.
func (b *Builder) ValidateOutputs(ctx context.Context, datasetID string) (validate.Result, error) {
	if err := ctx.Err(); err != nil {
		return validate.Result{}, err
	}
	_, gold, err := b.latestGold(datasetID)
	if err != nil {
		return validate.Result{}, err
	}
	return validate.Gold(gold)
}

// ExportOMOP regenerates the OMOP subset of the latest build into a new
// export directory.
func (b *Builder) ExportOMOP(ctx context.Context, datasetID string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, dir, err := b.exportSource(datasetID)
	if err != nil {
		return nil, err
	}
	return export.OMOP(t, filepath.Join(dir, "omop"))
}

// ExportFHIR regenerates the FHIR bundle of the latest build into a new
// export directory.
func (b *Builder) ExportFHIR(ctx context.Context, datasetID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t, dir, err := b.exportSource(datasetID)
	if err != nil {
		return "", err
	}
	return export.FHIR(t, filepath.Join(dir, "fhir"), datasetID)
}
