package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efbtools/chartstore/internal/catalog"
	"github.com/efbtools/chartstore/internal/observability"
	"github.com/efbtools/chartstore/internal/store"
	"github.com/efbtools/chartstore/internal/tilegeom"
)

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func parseCoords(r *http.Request) (zoom, col, row int, err error) {
	zoom, err = strconv.Atoi(chi.URLParam(r, "z"))
	if err != nil {
		return 0, 0, 0, errors.New("zoom must be an integer")
	}
	col, err = strconv.Atoi(chi.URLParam(r, "x"))
	if err != nil {
		return 0, 0, 0, errors.New("column must be an integer")
	}
	row, err = strconv.Atoi(chi.URLParam(r, "y"))
	if err != nil {
		return 0, 0, 0, errors.New("row must be an integer")
	}
	if !tilegeom.Valid(zoom, col, row) {
		return 0, 0, 0, fmt.Errorf("tile %d/%d/%d out of range", zoom, col, row)
	}
	return zoom, col, row, nil
}

func handleTile(logger *slog.Logger, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/tiles", sw.code, time.Since(start).Seconds())
		}()

		chart := chi.URLParam(r, "chart")
		zoom, col, row, err := parseCoords(r)
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			return
		}

		res, ok, err := deps.Resolver.ResolveTile(r.Context(), chart, zoom, col, row)
		if err != nil {
			logger.Error("tile resolve failed", "chart", chart, "err", err)
			http.Error(sw, "resolve failed", http.StatusInternalServerError)
			return
		}
		if !ok {
			// definitive: no installed package has this tile
			sw.WriteHeader(http.StatusNoContent)
			return
		}
		sw.Header().Set("Content-Type", res.MIME)
		sw.Header().Set("Cache-Control", "private, max-age=300")
		_, _ = sw.Write(res.Data)
	}
}

func handleExplain(logger *slog.Logger, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/debug/resolve", sw.code, time.Since(start).Seconds())
		}()

		chart := chi.URLParam(r, "chart")
		zoom, col, row, err := parseCoords(r)
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			return
		}

		rep, err := deps.Resolver.Explain(r.Context(), chart, zoom, col, row)
		if err != nil {
			logger.Error("resolve explain failed", "chart", chart, "err", err)
			http.Error(sw, "resolve failed", http.StatusInternalServerError)
			return
		}
		writeJSON(sw, http.StatusOK, rep)
	}
}

// packageInfo is the listing shape served to operators; chunk-level
// internals stay private to the store.
type packageInfo struct {
	ID        string    `json:"id"`
	Chart     string    `json:"chart"`
	Cycle     string    `json:"cycle,omitempty"`
	FileName  string    `json:"file_name,omitempty"`
	Status    string    `json:"status"`
	Size      int64     `json:"size"`
	Bounds    string    `json:"bounds,omitempty"`
	MinZoom   int       `json:"min_zoom,omitempty"`
	MaxZoom   int       `json:"max_zoom,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toPackageInfo(e catalog.Entry) packageInfo {
	return packageInfo{
		ID:        e.ID,
		Chart:     e.Chart,
		Cycle:     e.Cycle,
		FileName:  e.FileName,
		Status:    string(e.Status),
		Size:      e.Size,
		Bounds:    e.Metadata.Bounds,
		MinZoom:   e.MinZoom,
		MaxZoom:   e.MaxZoom,
		Checksum:  e.Checksum,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func handlePackages(logger *slog.Logger, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/packages", sw.code, time.Since(start).Seconds())
		}()

		var (
			entries []catalog.Entry
			err     error
		)
		if chart := r.URL.Query().Get("chart"); chart != "" {
			entries, err = deps.Catalog.Chart(r.Context(), chart)
		} else {
			entries, err = deps.Catalog.List(r.Context())
		}
		if err != nil {
			logger.Error("package listing failed", "err", err)
			http.Error(sw, "listing failed", http.StatusInternalServerError)
			return
		}

		out := struct {
			Packages []packageInfo `json:"packages"`
			Count    int           `json:"count"`
		}{Packages: make([]packageInfo, 0, len(entries)), Count: len(entries)}
		for _, e := range entries {
			out.Packages = append(out.Packages, toPackageInfo(e))
		}
		writeJSON(sw, http.StatusOK, out)
	}
}

func handleDeletePackage(logger *slog.Logger, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/packages", sw.code, time.Since(start).Seconds())
		}()

		id, err := store.SanitizeID(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			return
		}
		if err := deps.Catalog.Delete(r.Context(), id); err != nil {
			logger.Error("package delete failed", "package", id, "err", err)
			http.Error(sw, "delete failed", http.StatusInternalServerError)
			return
		}
		sw.WriteHeader(http.StatusNoContent)
	}
}

func handleCoverage(logger *slog.Logger, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/coverage", sw.code, time.Since(start).Seconds())
		}()

		chart := chi.URLParam(r, "chart")
		entries, err := deps.Catalog.Chart(r.Context(), chart)
		if err != nil {
			logger.Error("coverage listing failed", "chart", chart, "err", err)
			http.Error(sw, "listing failed", http.StatusInternalServerError)
			return
		}
		cells, err := catalog.Cells(entries, deps.CoverageRes)
		if err != nil {
			logger.Error("coverage cells failed", "chart", chart, "err", err)
			http.Error(sw, "coverage failed", http.StatusInternalServerError)
			return
		}

		out := struct {
			Chart      string   `json:"chart"`
			Resolution int      `json:"resolution"`
			Cells      []string `json:"cells"`
			Count      int      `json:"count"`
		}{Chart: chart, Resolution: deps.CoverageRes, Cells: cells, Count: len(cells)}
		writeJSON(sw, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
