package transform

import (
	"strconv"

	"github.com/sells-group/health-dataset-builder/internal/canonical"
	"github.com/sells-group/health-dataset-builder/internal/tabular"
)

const lifeExpectancyMaxRows = 2000

// LifeExpectancyTransform maps the Our World in Data life expectancy table
// (Entity, Code, Year, Life expectancy) to one record per entity-year.
func LifeExpectancyTransform(raw *tabular.Table, sourceURL, datasetID string, opts Options) (*canonical.Table, error) {
	if err := requireColumns(LifeExpectancy, raw, opts, "Entity", "Code", "Year", "Life expectancy"); err != nil {
		return nil, err
	}

	rows := make([]row, 0, len(raw.Rows))
	for i := range raw.Rows {
		year, ok := parseYear(raw.Value(i, "Year"))
		if !ok {
			continue
		}
		value, ok := parseNumber(raw.Value(i, "Life expectancy"))
		if !ok {
			continue
		}
		entity := raw.Value(i, "Entity")
		code := raw.Value(i, "Code")
		yearStr := strconv.Itoa(year)

		rows = append(rows, row{
			raw:    i,
			sortBy: []string{entity, sortableYear(year)},
			rec: canonical.Record{
				RecordID:              canonical.StableID(entity, yearStr, "life_expectancy"),
				PatientID:             canonical.StableID(code, yearStr),
				Sex:                   "unknown",
				ObservationCode:       "life_expectancy_years",
				ObservationCodeSystem: "local",
				ObservationValueNum:   value,
				ObservationUnit:       "years",
				EventDate:             canonical.YearStart(year),
				SourceDataset:         datasetID,
				SourceURL:             sourceURL,
				Deidentified:          true,
			},
		})
	}

	return finish(raw, rows, opts, lifeExpectancyMaxRows)
}
