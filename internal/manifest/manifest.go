// Package manifest writes and discovers the immutable per-build manifests
// that tie a dataset build's inputs, outputs, and provenance together.
package manifest

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// FileName is the manifest file inside each run directory.
const FileName = "manifest.json"

// TimestampLayout is the build identity format. It sorts lexically in
// chronological order.
const TimestampLayout = "20060102T150405Z"

var (
	// ErrNoManifest is returned when a dataset has no completed build.
	ErrNoManifest = eris.New("manifest: no manifest found")
	// ErrExists is returned when a manifest is already present at the target path.
	ErrExists = eris.New("manifest: already exists")
)

// Manifest is the authoritative record of one successful build.
type Manifest struct {
	DatasetID     string            `json:"dataset_id"`
	Timestamp     string            `json:"timestamp"`
	SchemaVersion string            `json:"schema_version"`
	RowCount      int               `json:"row_count"`
	Hashes        []FileDigest      `json:"hashes"`
	Provenance    []Provenance      `json:"provenance"`
	License       License           `json:"license"`
	Validation    Validation        `json:"validation"`
	PIIFindings   []PIIFinding      `json:"pii_findings"`
	GoldOutputs   []string          `json:"gold_outputs"`
	Codebook      Codebook          `json:"codebook"`
	Exporters     Exporters         `json:"exporters"`
	Models        map[string]string `json:"models"`
	Warehouse     *WarehouseLoad    `json:"warehouse,omitempty"`
}

// FileDigest is the SHA-256 of one artifact.
type FileDigest struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Provenance records where the raw input came from.
type Provenance struct {
	SourceURL   string `json:"source_url"`
	FetchTime   string `json:"fetch_time"`
	NotModified bool   `json:"not_modified"`
}

// License snapshots the registry license record.
type License struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Attribution string `json:"attribution"`
}

// Validation is the validator summary.
type Validation struct {
	Suite string `json:"suite"`
	Rows  int    `json:"rows"`
	Valid bool   `json:"valid"`
}

// PIIFinding is one advisory PII gate finding.
type PIIFinding struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Codebook points at the generated data dictionary.
type Codebook struct {
	JSON     string `json:"json"`
	Markdown string `json:"markdown"`
}

// Exporters points at derived-format outputs.
type Exporters struct {
	OMOP map[string]string `json:"omop"`
	FHIR string            `json:"fhir"`
}

// WarehouseLoad records an optional warehouse load of the gold table.
type WarehouseLoad struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}

// Timestamp formats t as a build identity in UTC with second precision.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Now returns the build identity for the current instant.
func Now() string {
	return Timestamp(time.Now())
}

// ParseTimestamp parses a build identity.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "manifest: parse timestamp %q", s)
	}
	return t.UTC(), nil
}

// Write stores m at path. The document is written to a temp file in the same
// directory and hard-linked into place, so it appears complete or not at all
// and an existing manifest is never replaced.
func Write(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return eris.Wrap(err, "manifest: marshal")
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "manifest: mkdir %s", dir)
	}
	if _, err := os.Stat(path); err == nil {
		return eris.Wrapf(ErrExists, "manifest: %s", path)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.json")
	if err != nil {
		return eris.Wrap(err, "manifest: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "manifest: chmod temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "manifest: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "manifest: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "manifest: close temp file")
	}

	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return eris.Wrapf(ErrExists, "manifest: %s", path)
		}
		return eris.Wrapf(err, "manifest: publish %s", path)
	}
	return nil
}

// Load reads a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, eris.Wrapf(ErrNoManifest, "manifest: %s", path)
		}
		return nil, eris.Wrapf(err, "manifest: read %s", path)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "manifest: decode %s", path)
	}
	return &m, nil
}

// Latest returns the manifest path of the most recent completed build of
// datasetID under root. Run directories are scanned newest first and those
// without a manifest (failed runs) are skipped.
func Latest(root, datasetID string) (string, error) {
	datasetRoot := filepath.Join(root, datasetID)
	entries, err := os.ReadDir(datasetRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", eris.Wrapf(ErrNoManifest, "dataset %q", datasetID)
		}
		return "", eris.Wrapf(err, "manifest: list %s", datasetRoot)
	}

	runs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(runs)))

	for _, run := range runs {
		p := filepath.Join(datasetRoot, run, FileName)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", eris.Wrapf(ErrNoManifest, "dataset %q", datasetID)
}

// LoadLatest returns the most recent manifest of datasetID and its path.
func LoadLatest(root, datasetID string) (*Manifest, string, error) {
	path, err := Latest(root, datasetID)
	if err != nil {
		return nil, "", err
	}
	m, err := Load(path)
	if err != nil {
		return nil, "", err
	}
	return m, path, nil
}

// LatestTime returns the build time of the latest manifest, or nil when the
// dataset has never built successfully.
func LatestTime(root, datasetID string) (*time.Time, error) {
	m, _, err := LoadLatest(root, datasetID)
	if errors.Is(err, ErrNoManifest) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := ParseTimestamp(m.Timestamp)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
