// Package transform maps raw source tables onto the canonical schema. Each
// transform is a pure function of its inputs.
package transform

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/health-dataset-builder/internal/canonical"
	"github.com/sells-group/health-dataset-builder/internal/tabular"
)

// Keys accepted by Lookup.
const (
	LifeExpectancy = "life_expectancy"
	TBResistance   = "tb_resistance"
	TBWHOIndia     = "tb_who_india"
)

// Options tunes a transform run.
type Options struct {
	// Passthrough names raw columns copied into the table's extras.
	Passthrough []string
	// MaxRows caps the output after sorting. Zero uses the transform default.
	MaxRows int
}

// Func converts a raw table into canonical records.
type Func func(raw *tabular.Table, sourceURL, datasetID string, opts Options) (*canonical.Table, error)

// SchemaError reports required input columns absent from the raw table.
type SchemaError struct {
	Transform string
	Missing   []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("transform: %s: missing required columns: %s", e.Transform, strings.Join(e.Missing, ", "))
}

var transforms = map[string]Func{
	LifeExpectancy: LifeExpectancyTransform,
	TBResistance:   TBResistanceTransform,
	TBWHOIndia:     TBWHOIndiaTransform,
}

// Lookup returns the transform registered under key.
func Lookup(key string) (Func, error) {
	fn, ok := transforms[key]
	if !ok {
		return nil, eris.Errorf("transform: unsupported transform key %q", key)
	}
	return fn, nil
}

// Keys returns the registered transform keys, sorted.
func Keys() []string {
	keys := make([]string, 0, len(transforms))
	for k := range transforms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// requireColumns checks the transform's input columns and the requested
// passthrough columns in one pass, before any row is mapped.
func requireColumns(name string, raw *tabular.Table, opts Options, cols ...string) error {
	all := append(append(make([]string, 0, len(cols)+len(opts.Passthrough)), cols...), opts.Passthrough...)
	if missing := raw.Missing(all...); len(missing) > 0 {
		return &SchemaError{Transform: name, Missing: missing}
	}
	return nil
}

// parseNumber coerces a noisy numeric cell. Blank, unparseable, NaN and Inf
// values report ok=false so the caller drops the row.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func parseYear(s string) (int, bool) {
	v, ok := parseNumber(s)
	if !ok || v != math.Trunc(v) {
		return 0, false
	}
	return int(v), true
}

// row pairs an output record with the raw row it came from and its sort key.
type row struct {
	rec    canonical.Record
	raw    int
	sortBy []string
}

// finish sorts rows by key, applies the cap, and attaches passthrough extras.
func finish(raw *tabular.Table, rows []row, opts Options, defaultMax int) (*canonical.Table, error) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].sortBy, rows[j].sortBy
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})

	limit := opts.MaxRows
	if limit <= 0 {
		limit = defaultMax
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := &canonical.Table{Records: make([]canonical.Record, len(rows))}
	for i, r := range rows {
		out.Records[i] = r.rec
	}
	for _, col := range opts.Passthrough {
		values := make([]string, len(rows))
		for i, r := range rows {
			values[i] = raw.Value(r.raw, col)
		}
		out.Extras = append(out.Extras, canonical.ExtraColumn{Name: col, Values: values})
	}
	return out, nil
}

// sortableYear zero-pads a year so string order matches numeric order.
func sortableYear(y int) string {
	return fmt.Sprintf("%06d", y)
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "_")
}
