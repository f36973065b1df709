package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rackwatch/rackwatch/pkg/httpx"
)

// Handler exposes the catalog admin API.
type Handler struct {
	log     *slog.Logger
	catalog *Catalog
}

// NewHandler creates a catalog admin handler.
func NewHandler(log *slog.Logger, c *Catalog) *Handler {
	return &Handler{
		log:     log.With("component", "catalog"),
		catalog: c,
	}
}

// HandleGet handles GET /v1/catalog, returning the full topology.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, h.catalog.Snapshot())
}

// HandleApply handles PUT /v1/catalog, merging a topology document into the
// catalog. Existing entries with the same ID are overwritten.
func (h *Handler) HandleApply(w http.ResponseWriter, r *http.Request) {
	var topo Topology
	if err := json.NewDecoder(r.Body).Decode(&topo); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	h.catalog.Apply(topo)
	h.log.Info("topology applied",
		"datacenters", len(topo.Datacenters),
		"facilities", len(topo.Facilities),
		"racks", len(topo.Racks),
		"sensors", len(topo.Sensors))
	httpx.RespondJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// HandleAddDatacenter handles POST /v1/catalog/datacenters.
func (h *Handler) HandleAddDatacenter(w http.ResponseWriter, r *http.Request) {
	var dc Datacenter
	if err := json.NewDecoder(r.Body).Decode(&dc); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := h.catalog.AddDatacenter(dc); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusCreated, dc)
}

// HandleAddFacility handles POST /v1/catalog/facilities.
func (h *Handler) HandleAddFacility(w http.ResponseWriter, r *http.Request) {
	var f Facility
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := h.catalog.AddFacility(f); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusCreated, f)
}

// HandleAddRack handles POST /v1/catalog/racks.
func (h *Handler) HandleAddRack(w http.ResponseWriter, r *http.Request) {
	var rack Rack
	if err := json.NewDecoder(r.Body).Decode(&rack); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := h.catalog.AddRack(rack); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusCreated, rack)
}

// HandleAddSensor handles POST /v1/catalog/sensors.
func (h *Handler) HandleAddSensor(w http.ResponseWriter, r *http.Request) {
	var s Sensor
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := h.catalog.AddSensor(s); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusCreated, s)
}
