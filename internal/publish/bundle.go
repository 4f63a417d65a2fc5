// Package publish assembles a dataset's latest build into a self-contained
// bundle directory and uploads it to an S3-compatible catalog.
package publish

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/health-dataset-builder/internal/manifest"
	"github.com/sells-group/health-dataset-builder/internal/modeling"
)

// ModelCardFile summarizes the baseline model inside a bundle.
const ModelCardFile = "model_card.json"

// ModelCard is the model summary written next to the model artifacts.
type ModelCard struct {
	DatasetID string           `json:"dataset_id"`
	Timestamp string           `json:"timestamp"`
	Metrics   json.RawMessage  `json:"metrics,omitempty"`
	License   manifest.License `json:"license"`
}

// Bundle copies the artifacts of the latest build of datasetID into
// <cacheDir>/publish/<target>/<datasetID>/<timestamp>. Any previous bundle
// for the same build is replaced.
func Bundle(cacheDir, manifestRoot, datasetID, target string) (string, *manifest.Manifest, error) {
	m, manifestPath, err := manifest.LoadLatest(manifestRoot, datasetID)
	if err != nil {
		return "", nil, err
	}

	dir := filepath.Join(cacheDir, "publish", target, datasetID, m.Timestamp)
	if err := os.RemoveAll(dir); err != nil {
		return "", nil, eris.Wrapf(err, "publish: clear %s", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, eris.Wrapf(err, "publish: mkdir %s", dir)
	}

	for _, src := range Artifacts(m, manifestPath) {
		if err := copyInto(dir, src); err != nil {
			return "", nil, err
		}
	}
	if err := writeModelCard(dir, m); err != nil {
		return "", nil, err
	}
	return dir, m, nil
}

// Artifacts lists the files a bundle carries for manifest m stored at
// manifestPath: the canonical gold table, the codebook, exporter and model
// outputs, then the manifest itself.
func Artifacts(m *manifest.Manifest, manifestPath string) []string {
	var files []string
	if len(m.GoldOutputs) > 0 {
		files = append(files, m.GoldOutputs[0])
	}
	files = appendNonEmpty(files, m.Codebook.JSON, m.Codebook.Markdown, m.Exporters.FHIR)
	files = append(files, sortedValues(m.Models)...)
	files = append(files, sortedValues(m.Exporters.OMOP)...)
	return append(files, manifestPath)
}

func appendNonEmpty(dst []string, values ...string) []string {
	for _, v := range values {
		if v != "" {
			dst = append(dst, v)
		}
	}
	return dst
}

func sortedValues(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func copyInto(dir, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "publish: open artifact %s", src)
	}
	defer in.Close() //nolint:errcheck

	dst := filepath.Join(dir, filepath.Base(src))
	out, err := os.Create(dst)
	if err != nil {
		return eris.Wrapf(err, "publish: create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return eris.Wrapf(err, "publish: copy %s", src)
	}
	return eris.Wrapf(out.Close(), "publish: close %s", dst)
}

func writeModelCard(dir string, m *manifest.Manifest) error {
	card := ModelCard{DatasetID: m.DatasetID, Timestamp: m.Timestamp, License: m.License}
	if path, ok := m.Models[modeling.KeyMetrics]; ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrapf(err, "publish: read metrics %s", path)
		}
		card.Metrics = data
	}
	data, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return eris.Wrap(err, "publish: marshal model card")
	}
	path := filepath.Join(dir, ModelCardFile)
	return eris.Wrapf(os.WriteFile(path, append(data, '\n'), 0o644), "publish: write %s", path)
}
