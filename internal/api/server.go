// Package api serves a read-only JSON view of the registry and the latest
// build manifests.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/health-dataset-builder/internal/ledger"
	"github.com/sells-group/health-dataset-builder/internal/manifest"
	"github.com/sells-group/health-dataset-builder/internal/modeling"
	"github.com/sells-group/health-dataset-builder/internal/registry"
)

// TBPrefix marks tuberculosis datasets.
const TBPrefix = "tb_"

// DatasetSummary is the registry entry exposed by the listing routes.
type DatasetSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	RefreshCron string `json:"refresh_cron"`
}

// Artifacts lists the outputs of a dataset's latest build.
type Artifacts struct {
	DatasetID string             `json:"dataset_id"`
	Gold      []string           `json:"gold"`
	Exporters manifest.Exporters `json:"exporters"`
	Codebook  manifest.Codebook  `json:"codebook"`
	Models    map[string]string  `json:"models"`
}

// Forecast points at the TB forecast outputs of the latest build.
type Forecast struct {
	DatasetID       string  `json:"dataset_id"`
	Forecast        *string `json:"forecast"`
	ForecastMetrics *string `json:"forecast_metrics"`
}

// RunLister reads build attempt history.
type RunLister interface {
	List(ctx context.Context, datasetID string, limit int) ([]ledger.Entry, error)
}

// Server holds the handler dependencies.
type Server struct {
	registryPath string
	manifestRoot string
	runs         RunLister
}

// NewServer creates a Server. The registry is re-read on every listing so
// edits show up without a restart. runs may be nil.
func NewServer(registryPath, manifestRoot string, runs RunLister) *Server {
	return &Server{registryPath: registryPath, manifestRoot: manifestRoot, runs: runs}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/datasets", func(r chi.Router) {
		r.Get("/", s.listDatasets(""))
		r.Get("/tb", s.listDatasets(TBPrefix))
		r.Get("/tb/{id}/latest-manifest", requireTB(s.latestManifest))
		r.Get("/tb/{id}/forecast", requireTB(s.forecast))
		r.Get("/{id}/latest-manifest", s.latestManifest)
		r.Get("/{id}/artifacts", s.artifacts)
		r.Get("/{id}/runs", s.listRuns)
	})
	return r
}

func (s *Server) listDatasets(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		reg, err := registry.Load(s.registryPath)
		if err != nil {
			zap.L().Error("api: load registry", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "registry unavailable")
			return
		}
		out := make([]DatasetSummary, 0, len(reg.Datasets))
		for _, d := range reg.All() {
			if !strings.HasPrefix(d.ID, prefix) {
				continue
			}
			out = append(out, DatasetSummary{ID: d.ID, Title: d.Title, Description: d.Description, RefreshCron: d.RefreshCron})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// loadLatest writes the error response itself and returns nil on failure.
func (s *Server) loadLatest(w http.ResponseWriter, id string) *manifest.Manifest {
	m, _, err := manifest.LoadLatest(s.manifestRoot, id)
	switch {
	case errors.Is(err, manifest.ErrNoManifest):
		writeError(w, http.StatusNotFound, "No manifest found")
		return nil
	case err != nil:
		zap.L().Error("api: load manifest", zap.String("dataset_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "manifest unreadable")
		return nil
	}
	return m
}

func (s *Server) latestManifest(w http.ResponseWriter, r *http.Request) {
	if m := s.loadLatest(w, chi.URLParam(r, "id")); m != nil {
		writeJSON(w, http.StatusOK, m)
	}
}

func (s *Server) artifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m := s.loadLatest(w, id)
	if m == nil {
		return
	}
	gold := m.GoldOutputs
	if gold == nil {
		gold = []string{}
	}
	writeJSON(w, http.StatusOK, Artifacts{
		DatasetID: id,
		Gold:      gold,
		Exporters: m.Exporters,
		Codebook:  m.Codebook,
		Models:    m.Models,
	})
}

func (s *Server) forecast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m := s.loadLatest(w, id)
	if m == nil {
		return
	}
	out := Forecast{DatasetID: id}
	if p, ok := m.Models[modeling.KeyForecast]; ok {
		out.Forecast = &p
	}
	if p, ok := m.Models[modeling.KeyForecastMetrics]; ok {
		out.ForecastMetrics = &p
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "run ledger not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.runs.List(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		zap.L().Error("api: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "run ledger unavailable")
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func requireTB(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(chi.URLParam(r, "id"), TBPrefix) {
			writeError(w, http.StatusBadRequest, "dataset_id must start with 'tb_'")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
