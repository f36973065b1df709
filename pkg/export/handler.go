package export

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rackwatch/rackwatch/pkg/httpx"
	"github.com/rackwatch/rackwatch/pkg/rollup"
)

const (
	// DefaultExportWindow is the default time range for exports.
	DefaultExportWindow = 24 * time.Hour

	// MaxExportWindow is the maximum allowed export time range.
	MaxExportWindow = 30 * 24 * time.Hour
)

// Handler handles the export HTTP endpoint.
type Handler struct {
	log      *slog.Logger
	exporter *Exporter
}

// NewHandler creates an export handler over the engine's view tables.
func NewHandler(log *slog.Logger, views map[string]*rollup.Table) *Handler {
	return &Handler{
		log:      log.With("component", "export"),
		exporter: NewExporter(views),
	}
}

// HandleExport handles GET /v1/export.
// Query params:
//   - view: view name (default: rack_performance)
//   - format: "json" or "csv" (default: json)
//   - entity_id: entity filter (optional)
//   - start: RFC3339 timestamp (default: 24h ago)
//   - end: RFC3339 timestamp (default: now)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid format, want json or csv")
		return
	}

	view := query.Get("view")
	if view == "" {
		view = rollup.ViewRackPerformance
	}

	end := parseTimeParam(query.Get("end"), time.Now().UTC())
	start := parseTimeParam(query.Get("start"), end.Add(-DefaultExportWindow))
	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if end.Sub(start) > MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("time range too large, maximum is %v", MaxExportWindow))
		return
	}

	opts := Options{
		View:     view,
		EntityID: query.Get("entity_id"),
		Start:    start,
		End:      end,
	}

	timestamp := time.Now().Format("20060102-150405")
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=rackwatch-%s-%s.json", view, timestamp))
	} else {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=rackwatch-%s-%s.csv", view, timestamp))
	}

	var result *Result
	var err error
	if format == "json" {
		result, err = h.exporter.ExportToJSON(w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(w, opts)
	}
	if err != nil {
		h.log.Error("export failed", "view", view, "error", err)
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	h.log.Info("view exported", "view", view, "rows", result.RowsExported, "format", format, "range", result.TimeRange)
}

// parseTimeParam parses a time parameter or returns the default.
func parseTimeParam(param string, defaultTime time.Time) time.Time {
	if param == "" {
		return defaultTime
	}
	if t, err := time.Parse(time.RFC3339, param); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02T15:04:05", param); err == nil {
		return t.UTC()
	}
	return defaultTime
}
