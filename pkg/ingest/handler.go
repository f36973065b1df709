// Package ingest exposes the write side of the pipeline: telemetry payloads
// enter the event store here and stream back out to websocket subscribers as
// refreshed view rows.
package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rackwatch/rackwatch/pkg/config"
	"github.com/rackwatch/rackwatch/pkg/eventstore"
	"github.com/rackwatch/rackwatch/pkg/httpx"
	"github.com/rackwatch/rackwatch/pkg/metrics"
	"github.com/rackwatch/rackwatch/pkg/telemetry"
)

// Handler handles telemetry ingestion.
type Handler struct {
	log   *slog.Logger
	store eventstore.Store
}

// NewHandler creates a new ingest handler backed by the given event store.
func NewHandler(log *slog.Logger, store eventstore.Store) *Handler {
	return &Handler{
		log:   log.With("component", "ingest"),
		store: store,
	}
}

// IngestRequest is the batch request payload. Payload shape is not validated
// here beyond being a JSON object; normalization decides downstream which
// events become readings.
type IngestRequest struct {
	Events []map[string]any `json:"events"`
}

// IngestResponse reports per-batch acceptance counts.
type IngestResponse struct {
	Status   string `json:"status"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	Message  string `json:"message,omitempty"`
}

// HandleIngest handles POST /v1/ingest/{domain}. Events are accepted
// append-only in arrival order; a malformed event is rejected without
// failing the rest of the batch.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	domain := telemetry.Domain(mux.Vars(r)["domain"])
	if !domain.Valid() {
		httpx.RespondErrorString(w, http.StatusNotFound, fmt.Sprintf("unknown domain %q", domain))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.IngestMaxBodyBytes)
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if len(req.Events) == 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "batch carries no events")
		return
	}
	if len(req.Events) > config.IngestMaxBatch {
		httpx.RespondErrorString(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d exceeds limit of %d", len(req.Events), config.IngestMaxBatch))
		return
	}

	resp := IngestResponse{Status: "success"}
	for _, payload := range req.Events {
		if _, err := h.store.Append(r.Context(), domain, payload); err != nil {
			if r.Context().Err() != nil {
				return
			}
			resp.Rejected++
			metrics.IngestRejected.WithLabelValues(string(domain)).Inc()
			h.log.Debug("event rejected", "domain", domain, "error", err)
			continue
		}
		resp.Accepted++
		metrics.EventsAppended.WithLabelValues(string(domain)).Inc()
	}

	if resp.Accepted == 0 {
		resp.Status = "rejected"
		httpx.RespondJSON(w, http.StatusBadRequest, resp)
		return
	}
	if resp.Rejected > 0 {
		resp.Status = "partial"
		resp.Message = fmt.Sprintf("%d events rejected", resp.Rejected)
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}
