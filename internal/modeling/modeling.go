// Package modeling fits the baseline trend models shipped with each build.
// Models are ordinary least squares on event year; artifacts are JSON so they
// can be read without this package.
package modeling

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/health-dataset-builder/internal/canonical"
	"github.com/sells-group/health-dataset-builder/internal/storage"
)

// Artifact file names and the keys they are reported under.
const (
	BaselineModelFile    = "baseline_regressor.json"
	BaselineMetricsFile  = "baseline_metrics.json"
	ForecastFile         = "tb_forecast.parquet"
	ForecastMetricsFile  = "tb_forecast_metrics.json"
	KeyModel             = "model"
	KeyMetrics           = "metrics"
	KeyForecast          = "forecast"
	KeyForecastMetrics   = "forecast_metrics"
	DefaultForecastYears = 3
)

// Linear is y = Intercept + Slope*x.
type Linear struct {
	Feature   string  `json:"feature"`
	Intercept float64 `json:"intercept"`
	Slope     float64 `json:"slope"`
}

// Predict evaluates the model at x.
func (m Linear) Predict(x float64) float64 {
	return m.Intercept + m.Slope*x
}

// Metrics are in-sample fit statistics.
type Metrics struct {
	MAE     float64 `json:"mae"`
	R2      float64 `json:"r2"`
	Samples int     `json:"samples"`
}

// Fit returns the least-squares line through (xs, ys). With fewer than two
// distinct x values the slope is zero and the intercept is the mean of ys.
func Fit(xs, ys []float64) Linear {
	m := Linear{Feature: "year"}
	n := float64(len(xs))
	if n == 0 {
		return m
	}
	var sx, sy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
	}
	mx, my := sx/n, sy/n

	var sxy, sxx float64
	for i := range xs {
		dx := xs[i] - mx
		sxy += dx * (ys[i] - my)
		sxx += dx * dx
	}
	if sxx > 0 {
		m.Slope = sxy / sxx
	}
	m.Intercept = my - m.Slope*mx
	return m
}

// Evaluate computes MAE and R² of m over (xs, ys). A constant target scores
// R² = 1 when predicted exactly and 0 otherwise.
func Evaluate(m Linear, xs, ys []float64) Metrics {
	out := Metrics{Samples: len(xs)}
	if len(xs) == 0 {
		return out
	}
	var mean float64
	for _, y := range ys {
		mean += y
	}
	mean /= float64(len(ys))

	var absErr, ssRes, ssTot float64
	for i := range xs {
		r := ys[i] - m.Predict(xs[i])
		absErr += math.Abs(r)
		ssRes += r * r
		d := ys[i] - mean
		ssTot += d * d
	}
	out.MAE = absErr / float64(len(xs))
	switch {
	case ssTot > 0:
		out.R2 = 1 - ssRes/ssTot
	case ssRes == 0:
		out.R2 = 1
	}
	return out
}

func yearSeries(records []canonical.Record) (xs, ys []float64) {
	xs = make([]float64, len(records))
	ys = make([]float64, len(records))
	for i := range records {
		xs[i] = float64(records[i].EventDate.Year())
		ys[i] = records[i].ObservationValueNum
	}
	return xs, ys
}

// TrainBaseline fits observation value against event year over the whole
// table and writes the model and its metrics into dir.
func TrainBaseline(t *canonical.Table, dir string) (map[string]string, error) {
	xs, ys := yearSeries(t.Records)
	model := Fit(xs, ys)
	metrics := Evaluate(model, xs, ys)

	out := map[string]string{
		KeyModel:   filepath.Join(dir, BaselineModelFile),
		KeyMetrics: filepath.Join(dir, BaselineMetricsFile),
	}
	if err := writeJSON(out[KeyModel], model); err != nil {
		return nil, err
	}
	if err := writeJSON(out[KeyMetrics], metrics); err != nil {
		return nil, err
	}
	return out, nil
}

// ForecastRow is one projected value.
type ForecastRow struct {
	ObservationCode string  `parquet:"name=observation_code, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Year            int32   `parquet:"name=year, type=INT32"`
	Predicted       float64 `parquet:"name=predicted, type=DOUBLE"`
}

// Forecast fits one trend per observation code and projects it horizon years
// past the last observed year. Negative projections are clamped to zero.
func Forecast(t *canonical.Table, dir string, horizon int) (map[string]string, error) {
	if horizon <= 0 {
		horizon = DefaultForecastYears
	}
	series := make(map[string][]canonical.Record)
	for _, r := range t.Records {
		series[r.ObservationCode] = append(series[r.ObservationCode], r)
	}
	codes := make([]string, 0, len(series))
	for code := range series {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var rows []ForecastRow
	metrics := make(map[string]Metrics, len(codes))
	for _, code := range codes {
		xs, ys := yearSeries(series[code])
		model := Fit(xs, ys)
		metrics[code] = Evaluate(model, xs, ys)

		last := xs[0]
		for _, x := range xs {
			last = math.Max(last, x)
		}
		for h := 1; h <= horizon; h++ {
			year := last + float64(h)
			rows = append(rows, ForecastRow{
				ObservationCode: code,
				Year:            int32(year),
				Predicted:       math.Max(0, model.Predict(year)),
			})
		}
	}

	out := map[string]string{
		KeyForecast:        filepath.Join(dir, ForecastFile),
		KeyForecastMetrics: filepath.Join(dir, ForecastMetricsFile),
	}
	if err := storage.WriteRows(out[KeyForecast], rows); err != nil {
		return nil, err
	}
	if err := writeJSON(out[KeyForecastMetrics], metrics); err != nil {
		return nil, err
	}
	return out, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "modeling: mkdir %s", filepath.Dir(path))
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "modeling: marshal")
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return eris.Wrapf(err, "modeling: write %s", path)
	}
	return nil
}
