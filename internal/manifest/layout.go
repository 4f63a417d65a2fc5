package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// Layout is the set of directories owned by one build.
type Layout struct {
	Bronze   string
	Silver   string
	Gold     string
	Manifest string
}

// NewLayout returns the run directories for datasetID at timestamp.
func NewLayout(dataDir, manifestDir, datasetID, timestamp string) Layout {
	return Layout{
		Bronze:   filepath.Join(dataDir, "bronze", datasetID, timestamp),
		Silver:   filepath.Join(dataDir, "silver", datasetID, timestamp),
		Gold:     filepath.Join(dataDir, "gold", datasetID, timestamp),
		Manifest: filepath.Join(manifestDir, datasetID, timestamp),
	}
}

// Create makes every run directory.
func (l Layout) Create() error {
	for _, dir := range []string{l.Bronze, l.Silver, l.Gold, l.Manifest} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "manifest: create run dir %s", dir)
		}
	}
	return nil
}

// ManifestPath is where the run's manifest is written.
func (l Layout) ManifestPath() string {
	return filepath.Join(l.Manifest, FileName)
}

// ExportDir is where an on-demand re-export of the build at buildTimestamp
// is written. A build's own run directories are never rewritten after its
// manifest records their digests.
func ExportDir(dataDir, datasetID, buildTimestamp, exportTimestamp string) string {
	return filepath.Join(dataDir, "exports", datasetID, buildTimestamp, exportTimestamp)
}

// LicenseText renders the LICENSE.md stored next to each manifest.
func LicenseText(l License) string {
	return fmt.Sprintf("License: %s\nURL: %s\nAttribution: %s\nThis license metadata is propagated from the dataset registry.\n",
		l.Name, l.URL, l.Attribution)
}
