// Package codebook renders the data dictionary published with each build.
package codebook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/health-dataset-builder/internal/canonical"
)

// Entry describes one column of a canonical table.
type Entry struct {
	Column  string `json:"column"`
	Dtype   string `json:"dtype"`
	NonNull int    `json:"non_null"`
	Null    int    `json:"null"`
}

// JSONName is the data dictionary file name for datasetID.
func JSONName(datasetID string) string { return datasetID + "_data_dictionary.json" }

// MarkdownName is the codebook file name for datasetID.
func MarkdownName(datasetID string) string { return datasetID + "_codebook.md" }

var dtypes = map[string]string{
	canonical.ColAgeYears:            "int64",
	canonical.ColObservationValueNum: "float64",
	canonical.ColEventDate:           "date",
	canonical.ColDeidentified:        "bool",
}

// Describe computes per-column null counts. Empty strings, a nil age and a
// zero event date count as null.
func Describe(t *canonical.Table) []Entry {
	entries := make([]Entry, 0, len(canonical.Columns))
	for _, col := range canonical.Columns {
		dtype, ok := dtypes[col]
		if !ok {
			dtype = "string"
		}
		nulls := 0
		if values, text := t.TextValues(col); text {
			for _, v := range values {
				if v == "" {
					nulls++
				}
			}
		} else {
			for i := range t.Records {
				if isNull(col, &t.Records[i]) {
					nulls++
				}
			}
		}
		entries = append(entries, Entry{Column: col, Dtype: dtype, NonNull: t.Len() - nulls, Null: nulls})
	}
	return entries
}

func isNull(col string, r *canonical.Record) bool {
	switch col {
	case canonical.ColAgeYears:
		return r.AgeYears == nil
	case canonical.ColEventDate:
		return r.EventDate.IsZero()
	}
	return false
}

// Generate writes the JSON dictionary and Markdown codebook for t into dir
// and returns both paths.
func Generate(t *canonical.Table, datasetID, dir string) (jsonPath, mdPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", eris.Wrapf(err, "codebook: mkdir %s", dir)
	}
	entries := Describe(t)

	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", "", eris.Wrap(err, "codebook: marshal")
	}
	jsonPath = filepath.Join(dir, JSONName(datasetID))
	if err := os.WriteFile(jsonPath, raw, 0o644); err != nil {
		return "", "", eris.Wrapf(err, "codebook: write %s", jsonPath)
	}

	mdPath = filepath.Join(dir, MarkdownName(datasetID))
	if err := os.WriteFile(mdPath, []byte(Markdown(datasetID, entries)), 0o644); err != nil {
		return "", "", eris.Wrapf(err, "codebook: write %s", mdPath)
	}
	return jsonPath, mdPath, nil
}

// Markdown renders entries as a Markdown table.
func Markdown(datasetID string, entries []Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Codebook: %s\n\n", datasetID)
	b.WriteString("| Column | Dtype | Non-null | Null |\n")
	b.WriteString("|---|---|---:|---:|\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "| %s | %s | %d | %d |\n", e.Column, e.Dtype, e.NonNull, e.Null)
	}
	return b.String()
}
