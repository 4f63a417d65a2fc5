package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/health-dataset-builder/internal/ledger"
	"github.com/sells-group/health-dataset-builder/internal/manifest"
	"github.com/sells-group/health-dataset-builder/internal/modeling"
)

const testRegistry = `
datasets:
  - id: demo_dataset
    title: Demo
    description: demo rows
    refresh_cron: "0 3 * * *"
    license: {name: CC-BY-4.0, url: "https://example.org", attribution: demo}
    pii_policy: {}
    validations_suite: canonical_v1
    output_schemas: {canonical: canonical_v1}
    sources:
      - connector: local_file
        params: {path: raw.csv}
  - id: tb_who_india_local
    title: TB WHO India
    description: tb rows
    refresh_cron: "0 4 * * *"
    license: {name: CC-BY-4.0, url: "https://example.org", attribution: who}
    pii_policy: {}
    validations_suite: canonical_v1
    output_schemas: {canonical: canonical_v1}
    sources:
      - connector: local_file
        params: {path: tb.csv}
`

type fakeRuns struct {
	entries []ledger.Entry
	err     error
	limit   int
}

func (f *fakeRuns) List(_ context.Context, datasetID string, limit int) ([]ledger.Entry, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	var out []ledger.Entry
	for _, e := range f.entries {
		if e.DatasetID == datasetID {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, runs RunLister) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	regPath := filepath.Join(root, "registry.yaml")
	require.NoError(t, os.WriteFile(regPath, []byte(testRegistry), 0o644))
	manifests := filepath.Join(root, "manifests")

	tb := &manifest.Manifest{
		DatasetID:   "tb_who_india_local",
		Timestamp:   "20260101T000000Z",
		GoldOutputs: []string{"data/gold/tb_who_india_local/20260101T000000Z/canonical.parquet"},
		Models: map[string]string{
			modeling.KeyForecast:        "data/gold/tb_who_india_local/20260101T000000Z/models/tb_forecast.parquet",
			modeling.KeyForecastMetrics: "data/gold/tb_who_india_local/20260101T000000Z/models/tb_forecast_metrics.json",
		},
	}
	require.NoError(t, manifest.Write(filepath.Join(manifests, tb.DatasetID, tb.Timestamp, manifest.FileName), tb))

	demo := &manifest.Manifest{DatasetID: "demo_dataset", Timestamp: "20260102T000000Z", RowCount: 4}
	require.NoError(t, manifest.Write(filepath.Join(manifests, demo.DatasetID, demo.Timestamp, manifest.FileName), demo))

	return NewServer(regPath, manifests, runs), manifests
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rr := get(t, srv.Router(), "/health")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestListDatasets(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Router()

	tests := []struct {
		path string
		want []string
	}{
		{"/datasets", []string{"demo_dataset", "tb_who_india_local"}},
		{"/datasets/tb", []string{"tb_who_india_local"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := get(t, h, tt.path)
			require.Equal(t, http.StatusOK, rr.Code)

			var body []DatasetSummary
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			var ids []string
			for _, d := range body {
				ids = append(ids, d.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestListDatasets_RegistryMissing(t *testing.T) {
	srv := NewServer(filepath.Join(t.TempDir(), "missing.yaml"), t.TempDir(), nil)
	rr := get(t, srv.Router(), "/datasets")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "error")
}

func TestLatestManifest(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Router()

	rr := get(t, h, "/datasets/demo_dataset/latest-manifest")
	require.Equal(t, http.StatusOK, rr.Code)
	var m manifest.Manifest
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m))
	assert.Equal(t, "20260102T000000Z", m.Timestamp)
	assert.Equal(t, 4, m.RowCount)

	rr = get(t, h, "/datasets/unknown/latest-manifest")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.JSONEq(t, `{"error":"No manifest found"}`, rr.Body.String())
}

func TestLatestManifest_SkipsFailedRun(t *testing.T) {
	srv, manifests := newTestServer(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(manifests, "demo_dataset", "20260105T000000Z"), 0o755))

	rr := get(t, srv.Router(), "/datasets/demo_dataset/latest-manifest")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "20260102T000000Z")
}

func TestArtifacts(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rr := get(t, srv.Router(), "/datasets/tb_who_india_local/artifacts")
	require.Equal(t, http.StatusOK, rr.Code)

	var a Artifacts
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &a))
	assert.Equal(t, "tb_who_india_local", a.DatasetID)
	assert.Len(t, a.Gold, 1)
	assert.Contains(t, a.Models, modeling.KeyForecast)

	rr = get(t, srv.Router(), "/datasets/nothing/artifacts")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTBRoutes(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Router()

	rr := get(t, h, "/datasets/tb/tb_who_india_local/forecast")
	require.Equal(t, http.StatusOK, rr.Code)
	var f Forecast
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &f))
	require.NotNil(t, f.Forecast)
	assert.True(t, filepath.Base(*f.Forecast) == modeling.ForecastFile)
	require.NotNil(t, f.ForecastMetrics)

	rr = get(t, h, "/datasets/tb/tb_who_india_local/latest-manifest")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = get(t, h, "/datasets/tb/demo_dataset/forecast")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "tb_")

	rr = get(t, h, "/datasets/tb/demo_dataset/latest-manifest")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = get(t, h, "/datasets/tb/tb_missing/forecast")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestForecast_NullWhenAbsent(t *testing.T) {
	srv, manifests := newTestServer(t, nil)
	m := &manifest.Manifest{DatasetID: "tb_resistance_local", Timestamp: "20260101T000000Z"}
	require.NoError(t, manifest.Write(filepath.Join(manifests, m.DatasetID, m.Timestamp, manifest.FileName), m))

	rr := get(t, srv.Router(), "/datasets/tb/tb_resistance_local/forecast")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"dataset_id":"tb_resistance_local","forecast":null,"forecast_metrics":null}`, rr.Body.String())
}

func TestRuns(t *testing.T) {
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	runs := &fakeRuns{entries: []ledger.Entry{
		{ID: "a", DatasetID: "demo_dataset", Status: ledger.StatusComplete, StartedAt: started},
		{ID: "b", DatasetID: "other", Status: ledger.StatusFailed, StartedAt: started},
	}}
	srv, _ := newTestServer(t, runs)
	h := srv.Router()

	rr := get(t, h, "/datasets/demo_dataset/runs?limit=5")
	require.Equal(t, http.StatusOK, rr.Code)
	var entries []ledger.Entry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, 5, runs.limit)

	rr = get(t, h, "/datasets/none/runs")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
	assert.Equal(t, 50, runs.limit)

	rr = get(t, h, "/datasets/demo_dataset/runs?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	runs.err = errors.New("db locked")
	rr = get(t, h, "/datasets/demo_dataset/runs")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRuns_NoLedger(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rr := get(t, srv.Router(), "/datasets/demo_dataset/runs")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/datasets", nil)
	req.Header.Set("Origin", "https://catalog.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}
