package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rackwatch/rackwatch/pkg/catalog"
	"github.com/rackwatch/rackwatch/pkg/export"
	"github.com/rackwatch/rackwatch/pkg/httpx"
	"github.com/rackwatch/rackwatch/pkg/ingest"
	"github.com/rackwatch/rackwatch/pkg/query"
	"github.com/rackwatch/rackwatch/pkg/refresh"
)

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status string                        `json:"status"`
	Uptime string                        `json:"uptime"`
	Views  map[string]refresh.ViewStatus `json:"views"`
}

// StorageUsage reports event store disk usage.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// setupRoutes configures all HTTP routes.
func (a *App) setupRoutes(router *mux.Router) {
	router.Use(corsMiddleware(a.settings.Port))

	api := router.PathPrefix("/v1").Subrouter()

	// Telemetry ingestion
	ingestHandler := ingest.NewHandler(a.Log, a.Store)
	api.HandleFunc("/ingest/{domain}", ingestHandler.HandleIngest).Methods("POST")

	// Derived views and the anomaly feed
	queryHandler := query.NewHandler(a.Log, a.Engine.Views())
	api.HandleFunc("/views/{view}", queryHandler.HandleView).Methods("GET")
	api.HandleFunc("/anomalies", queryHandler.HandleAnomalies).Methods("GET")

	// View export (JSON/CSV download)
	exportHandler := export.NewHandler(a.Log, a.Engine.Views())
	api.HandleFunc("/export", exportHandler.HandleExport).Methods("GET")

	// Catalog administration
	catalogHandler := catalog.NewHandler(a.Log, a.Catalog)
	api.HandleFunc("/catalog", catalogHandler.HandleGet).Methods("GET")
	api.HandleFunc("/catalog", catalogHandler.HandleApply).Methods("PUT")
	api.HandleFunc("/catalog/datacenters", catalogHandler.HandleAddDatacenter).Methods("POST")
	api.HandleFunc("/catalog/facilities", catalogHandler.HandleAddFacility).Methods("POST")
	api.HandleFunc("/catalog/racks", catalogHandler.HandleAddRack).Methods("POST")
	api.HandleFunc("/catalog/sensors", catalogHandler.HandleAddSensor).Methods("POST")

	// Operational surface
	api.HandleFunc("/status", a.handleStatus).Methods("GET")
	api.HandleFunc("/stats", a.handleStats).Methods("GET")
	api.HandleFunc("/storage", a.handleStorageUsage).Methods("GET")
	api.HandleFunc("/health", a.handleHealth).Methods("GET")

	// WebSocket stream of refreshed view rows
	api.HandleFunc("/ws", a.Hub.HandleWebSocket).Methods("GET")

	// Prometheus scrape endpoint
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// handleHealth reports overall service health. The service is degraded when
// any view falls outside its refresh health window.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if !a.Scheduler.Healthy() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, code, HealthResponse{
		Status: status,
		Uptime: time.Since(a.startTime).Round(time.Second).String(),
		Views:  a.Scheduler.Status(),
	})
}

// handleStatus reports per-view refresh state (lag, staleness, errors).
func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, a.Scheduler.Status())
}

// handleStats reports event store statistics.
func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Store.Stats(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, stats)
}

// handleStorageUsage reports event store disk usage.
func (a *App) handleStorageUsage(w http.ResponseWriter, r *http.Request) {
	usedBytes, err := a.storageMonitor.GetUsage()
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, StorageUsage{
		UsedBytes: usedBytes,
		MaxBytes:  a.storageMonitor.GetLimit(),
	})
}

// corsMiddleware restricts cross-origin access to localhost origins.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowedOrigins := []string{
				"http://localhost:" + port,
				"http://127.0.0.1:" + port,
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if origin == allowedOrigin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
