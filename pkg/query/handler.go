// Package query exposes the read side of the pipeline: derived view rows and
// the anomaly feed derived from them.
package query

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/rackwatch/rackwatch/pkg/config"
	"github.com/rackwatch/rackwatch/pkg/httpx"
	"github.com/rackwatch/rackwatch/pkg/rollup"
)

// Handler serves derived view queries.
type Handler struct {
	log   *slog.Logger
	views map[string]*rollup.Table
}

// NewHandler creates a query handler over the engine's view tables.
func NewHandler(log *slog.Logger, views map[string]*rollup.Table) *Handler {
	return &Handler{
		log:   log.With("component", "query"),
		views: views,
	}
}

// ViewResponse is the payload of a view query.
type ViewResponse struct {
	View  string       `json:"view"`
	Count int          `json:"count"`
	Rows  []rollup.Row `json:"rows"`
}

// HandleView handles GET /v1/views/{view}. Rows come back newest bucket
// first. Staleness (lag_seconds) is computed at serve time against the row's
// last refresh, so an idle pipeline reports growing lag without rewriting
// rows.
func (h *Handler) HandleView(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["view"]
	table, ok := h.views[name]
	if !ok {
		httpx.RespondErrorString(w, http.StatusNotFound, fmt.Sprintf("unknown view %q", name))
		return
	}

	req, err := parseQuery(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	rows := table.Query(req)
	now := time.Now().UTC()
	for i := range rows {
		rows[i].LagSeconds = now.Sub(rows[i].LastRefreshedAt).Seconds()
	}

	httpx.RespondJSON(w, http.StatusOK, ViewResponse{
		View:  name,
		Count: len(rows),
		Rows:  rows,
	})
}

// Anomaly flags a view row that crossed an operational threshold.
type Anomaly struct {
	View      string    `json:"view"`
	EntityID  string    `json:"entity_id"`
	Bucket    time.Time `json:"time_bucket"`
	Reason    string    `json:"reason"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
}

// AnomalyResponse is the payload of the anomaly feed.
type AnomalyResponse struct {
	Count     int       `json:"count"`
	Anomalies []Anomaly `json:"anomalies"`
}

// HandleAnomalies handles GET /v1/anomalies: rack buckets in the window
// running hotter than the temperature ceiling or below the efficiency floor.
func (h *Handler) HandleAnomalies(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid window_hours %q", raw))
			return
		}
		window = time.Duration(hours) * time.Hour
	}

	rows := h.views[rollup.ViewRackPerformance].Query(rollup.QueryRequest{
		Start: time.Now().UTC().Add(-window),
	})

	anomalies := make([]Anomaly, 0)
	for _, row := range rows {
		if row.AvgTempC != nil && *row.AvgTempC > config.AnomalyTempCeilingC {
			anomalies = append(anomalies, Anomaly{
				View:      rollup.ViewRackPerformance,
				EntityID:  row.EntityID,
				Bucket:    row.Bucket,
				Reason:    "high_temperature",
				Value:     *row.AvgTempC,
				Threshold: config.AnomalyTempCeilingC,
			})
		}
		if row.Efficiency != nil && *row.Efficiency < config.AnomalyEfficiencyFloor {
			anomalies = append(anomalies, Anomaly{
				View:      rollup.ViewRackPerformance,
				EntityID:  row.EntityID,
				Bucket:    row.Bucket,
				Reason:    "low_efficiency",
				Value:     *row.Efficiency,
				Threshold: config.AnomalyEfficiencyFloor,
			})
		}
	}

	httpx.RespondJSON(w, http.StatusOK, AnomalyResponse{
		Count:     len(anomalies),
		Anomalies: anomalies,
	})
}

// parseQuery builds a table query from URL parameters. Timestamps accept
// epoch milliseconds or RFC 3339, matching the ingest formats.
func parseQuery(r *http.Request) (rollup.QueryRequest, error) {
	q := r.URL.Query()
	req := rollup.QueryRequest{
		EntityID: q.Get("entity_id"),
		Limit:    config.QueryDefaultLimit,
	}

	var err error
	if req.Start, err = parseTime(q.Get("start")); err != nil {
		return req, fmt.Errorf("invalid start: %w", err)
	}
	if req.End, err = parseTime(q.Get("end")); err != nil {
		return req, fmt.Errorf("invalid end: %w", err)
	}
	if !req.Start.IsZero() && !req.End.IsZero() && !req.Start.Before(req.End) {
		return req, fmt.Errorf("start %v is not before end %v", req.Start, req.End)
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return req, fmt.Errorf("invalid limit %q", raw)
		}
		if limit > config.QueryMaxLimit {
			limit = config.QueryMaxLimit
		}
		req.Limit = limit
	}
	return req, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("want epoch milliseconds or RFC 3339, got %q", raw)
}
