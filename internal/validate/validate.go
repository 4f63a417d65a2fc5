// Package validate enforces the canonical schema's structural and
// value-range invariants.
package validate

import (
	"fmt"
	"math"
	"strings"

	"github.com/sells-group/health-dataset-builder/internal/canonical"
	"github.com/sells-group/health-dataset-builder/internal/storage"
)

// Result is the validation summary recorded in the manifest.
type Result struct {
	Suite string `json:"suite"`
	Rows  int    `json:"rows"`
	Valid bool   `json:"valid"`
}

// Violation is one failed check. Row is -1 for table-level checks.
type Violation struct {
	Row     int    `json:"row"`
	Column  string `json:"column"`
	Message string `json:"message"`
}

// maxReported caps how many violations are rendered into the error string.
const maxReported = 10

// Error is returned when a table fails validation.
type Error struct {
	Suite      string
	Violations []Violation
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "validate: %s failed with %d violation(s)", e.Suite, len(e.Violations))
	for i, v := range e.Violations {
		if i == maxReported {
			fmt.Fprintf(&b, "; ... %d more", len(e.Violations)-maxReported)
			break
		}
		if v.Row >= 0 {
			fmt.Fprintf(&b, "; row %d %s: %s", v.Row, v.Column, v.Message)
		} else {
			fmt.Fprintf(&b, "; %s: %s", v.Column, v.Message)
		}
	}
	return b.String()
}

// Unit ranges for observation_value_num. Units not listed only need >= 0.
var unitRanges = map[string][2]float64{
	"percent": {0, 100},
	"years":   {0, 150},
}

// Canonical validates t's records. Extras are ignored.
func Canonical(t *canonical.Table) (Result, error) {
	var violations []Violation
	seen := make(map[string]int, len(t.Records))

	for i := range t.Records {
		r := &t.Records[i]
		violations = append(violations, checkRequired(i, r)...)

		v := r.ObservationValueNum
		if math.IsNaN(v) || math.IsInf(v, 0) {
			violations = append(violations, Violation{i, canonical.ColObservationValueNum,
				fmt.Sprintf("value %g is not a finite number", v)})
		} else if r.ObservationValueNum < 0 {
			violations = append(violations, Violation{i, canonical.ColObservationValueNum,
				fmt.Sprintf("value %g is negative", r.ObservationValueNum)})
		} else if bounds, ok := unitRanges[r.ObservationUnit]; ok {
			if r.ObservationValueNum < bounds[0] || r.ObservationValueNum > bounds[1] {
				violations = append(violations, Violation{i, canonical.ColObservationValueNum,
					fmt.Sprintf("value %g out of range [%g, %g] for unit %s",
						r.ObservationValueNum, bounds[0], bounds[1], r.ObservationUnit)})
			}
		}

		if r.AgeYears != nil && (*r.AgeYears < 0 || *r.AgeYears > 150) {
			violations = append(violations, Violation{i, canonical.ColAgeYears,
				fmt.Sprintf("age %d out of range [0, 150]", *r.AgeYears)})
		}

		if r.EventDate.IsZero() {
			violations = append(violations, Violation{i, canonical.ColEventDate, "missing date"})
		}

		if first, dup := seen[r.RecordID]; dup && r.RecordID != "" {
			violations = append(violations, Violation{i, canonical.ColRecordID,
				fmt.Sprintf("duplicate of row %d", first)})
		} else {
			seen[r.RecordID] = i
		}
	}

	if len(violations) > 0 {
		return Result{Suite: canonical.SchemaVersion, Rows: len(t.Records)},
			&Error{Suite: canonical.SchemaVersion, Violations: violations}
	}
	return Result{Suite: canonical.SchemaVersion, Rows: len(t.Records), Valid: true}, nil
}

func checkRequired(i int, r *canonical.Record) []Violation {
	required := []struct {
		col, val string
	}{
		{canonical.ColRecordID, r.RecordID},
		{canonical.ColPatientID, r.PatientID},
		{canonical.ColSex, r.Sex},
		{canonical.ColObservationCode, r.ObservationCode},
		{canonical.ColObservationCodeSystem, r.ObservationCodeSystem},
		{canonical.ColObservationUnit, r.ObservationUnit},
		{canonical.ColSourceDataset, r.SourceDataset},
		{canonical.ColSourceURL, r.SourceURL},
	}
	var out []Violation
	for _, f := range required {
		if strings.TrimSpace(f.val) == "" {
			out = append(out, Violation{i, f.col, "required value is empty"})
		}
	}
	return out
}

// Gold re-reads a gold Parquet file and validates it.
func Gold(path string) (Result, error) {
	t, err := storage.ReadCanonical(path)
	if err != nil {
		return Result{}, err
	}
	return Canonical(t)
}
