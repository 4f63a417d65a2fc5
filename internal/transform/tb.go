package transform

import (
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/health-dataset-builder/internal/canonical"
	"github.com/sells-group/health-dataset-builder/internal/tabular"
)

// ICD-10 block for tuberculosis.
const (
	tbConditionCode   = "A15-A19"
	tbConditionSystem = "ICD-10"
)

// WHOIndiaIndicators are the case-count columns of the WHO India extract.
var WHOIndiaIndicators = []string{"mdr_new", "mdr_ret", "rr_new", "rr_ret", "dst_rlt_new", "dst_rlt_ret", "xdr"}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006/01/02", "01/02/2006", "2006"}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// TBResistanceTransform maps drug-resistance surveys (date, country, state,
// drug, percent_resistant, n_tested, type) to one percent observation per row.
func TBResistanceTransform(raw *tabular.Table, sourceURL, datasetID string, opts Options) (*canonical.Table, error) {
	if err := requireColumns(TBResistance, raw, opts,
		"date", "country", "state", "drug", "percent_resistant", "n_tested", "type"); err != nil {
		return nil, err
	}

	rows := make([]row, 0, len(raw.Rows))
	for i := range raw.Rows {
		date, ok := parseDate(raw.Value(i, "date"))
		if !ok {
			continue
		}
		pct, ok := parseNumber(raw.Value(i, "percent_resistant"))
		if !ok {
			continue
		}
		country := raw.Value(i, "country")
		state := raw.Value(i, "state")
		drug := raw.Value(i, "drug")
		caseType := raw.Value(i, "type")
		day := date.Format("2006-01-02")

		rows = append(rows, row{
			raw:    i,
			sortBy: []string{country, state, drug, caseType, day},
			rec: canonical.Record{
				RecordID:              canonical.StableID(country, state, drug, caseType, day),
				PatientID:             canonical.StableID(country, state),
				Sex:                   "unknown",
				ConditionCode:         tbConditionCode,
				ConditionCodeSystem:   tbConditionSystem,
				ObservationCode:       slug(drug) + "_" + slug(caseType) + "_percent_resistant",
				ObservationCodeSystem: "local",
				ObservationValueNum:   pct,
				ObservationUnit:       "percent",
				EventDate:             date,
				SourceDataset:         datasetID,
				SourceURL:             sourceURL,
				Deidentified:          true,
			},
		})
	}

	return finish(raw, rows, opts, 0)
}

// TBWHOIndiaTransform unpivots the WHO India notification table into one
// case-count record per (year, indicator). Blank indicator cells are skipped.
func TBWHOIndiaTransform(raw *tabular.Table, sourceURL, datasetID string, opts Options) (*canonical.Table, error) {
	required := append([]string{"year", "country"}, WHOIndiaIndicators...)
	if err := requireColumns(TBWHOIndia, raw, opts, required...); err != nil {
		return nil, err
	}

	rows := make([]row, 0, len(raw.Rows)*len(WHOIndiaIndicators))
	for i := range raw.Rows {
		year, ok := parseYear(raw.Value(i, "year"))
		if !ok {
			continue
		}
		country := raw.Value(i, "country")
		yearStr := strconv.Itoa(year)

		for _, indicator := range WHOIndiaIndicators {
			value, ok := parseNumber(raw.Value(i, indicator))
			if !ok {
				continue
			}
			rows = append(rows, row{
				raw:    i,
				sortBy: []string{country, sortableYear(year), indicator},
				rec: canonical.Record{
					RecordID:              canonical.StableID(country, yearStr, indicator),
					PatientID:             canonical.StableID(country, yearStr),
					Sex:                   "unknown",
					ConditionCode:         tbConditionCode,
					ConditionCodeSystem:   tbConditionSystem,
					ObservationCode:       indicator,
					ObservationCodeSystem: "who_tb",
					ObservationValueNum:   value,
					ObservationUnit:       "cases",
					EventDate:             canonical.YearStart(year),
					SourceDataset:         datasetID,
					SourceURL:             sourceURL,
					Deidentified:          true,
				},
			})
		}
	}

	return finish(raw, rows, opts, 0)
}
