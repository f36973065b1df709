package query

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/rackwatch/rackwatch/pkg/rollup"
)

func fptr(v float64) *float64 { return &v }

func newTestRouter(views map[string]*rollup.Table) *mux.Router {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), views)
	r := mux.NewRouter()
	r.HandleFunc("/v1/views/{view}", h.HandleView).Methods("GET")
	r.HandleFunc("/v1/anomalies", h.HandleAnomalies).Methods("GET")
	return r
}

func get(t *testing.T, router *mux.Router, url string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, url, nil))
	return rr
}

func TestHandleView_ReturnsRowsNewestFirst(t *testing.T) {
	table := rollup.NewTable(rollup.ViewRackPerformance)
	base := time.Now().UTC().Truncate(time.Hour).Add(-3 * time.Hour)
	for hour := 0; hour < 3; hour++ {
		table.Upsert(rollup.Row{
			EntityID:        "R001",
			Bucket:          base.Add(time.Duration(hour) * time.Hour),
			TotalPowerKW:    float64(10 + hour),
			LastRefreshedAt: time.Now().UTC().Add(-30 * time.Second),
		})
	}
	router := newTestRouter(map[string]*rollup.Table{rollup.ViewRackPerformance: table})

	rr := get(t, router, "/v1/views/rack_performance")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp ViewResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, rollup.ViewRackPerformance, resp.View)
	require.Equal(t, 3, resp.Count)
	require.Equal(t, float64(12), resp.Rows[0].TotalPowerKW, "newest bucket first")

	// Lag is measured at serve time against the row's last refresh.
	for _, row := range resp.Rows {
		require.GreaterOrEqual(t, row.LagSeconds, 29.0)
		require.Less(t, row.LagSeconds, 120.0)
	}
}

func TestHandleView_UnknownView(t *testing.T) {
	router := newTestRouter(map[string]*rollup.Table{})
	rr := get(t, router, "/v1/views/ghost_view")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleView_FiltersAndLimits(t *testing.T) {
	table := rollup.NewTable(rollup.ViewRackPerformance)
	bucket := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, entity := range []string{"R001", "R002"} {
		for hour := 0; hour < 3; hour++ {
			table.Upsert(rollup.Row{EntityID: entity, Bucket: bucket.Add(time.Duration(hour) * time.Hour)})
		}
	}
	router := newTestRouter(map[string]*rollup.Table{rollup.ViewRackPerformance: table})

	rr := get(t, router, "/v1/views/rack_performance?entity_id=R001&limit=2")
	var resp ViewResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	for _, row := range resp.Rows {
		require.Equal(t, "R001", row.EntityID)
	}

	// Time range accepts both epoch milliseconds and RFC 3339, half-open.
	url := fmt.Sprintf("/v1/views/rack_performance?start=%d&end=%s",
		bucket.Add(time.Hour).UnixMilli(), bucket.Add(2*time.Hour).Format(time.RFC3339))
	rr = get(t, router, url)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	for _, row := range resp.Rows {
		require.True(t, row.Bucket.Equal(bucket.Add(time.Hour)), "bucket %v", row.Bucket)
	}
}

func TestHandleView_RejectsBadParameters(t *testing.T) {
	table := rollup.NewTable(rollup.ViewRackPerformance)
	router := newTestRouter(map[string]*rollup.Table{rollup.ViewRackPerformance: table})

	cases := []string{
		"/v1/views/rack_performance?start=yesterday",
		"/v1/views/rack_performance?limit=0",
		"/v1/views/rack_performance?limit=abc",
		"/v1/views/rack_performance?start=2026-03-01T11:00:00Z&end=2026-03-01T10:00:00Z",
	}
	for _, url := range cases {
		rr := get(t, router, url)
		require.Equal(t, http.StatusBadRequest, rr.Code, url)
	}
}

func TestHandleAnomalies_FlagsThresholdBreaches(t *testing.T) {
	table := rollup.NewTable(rollup.ViewRackPerformance)
	bucket := time.Now().UTC().Truncate(time.Hour)

	table.Upsert(rollup.Row{
		EntityID: "R-HOT",
		Bucket:   bucket,
		AvgTempC: fptr(31.5),
	})
	table.Upsert(rollup.Row{
		EntityID:   "R-WASTEFUL",
		Bucket:     bucket,
		AvgTempC:   fptr(24.0),
		Efficiency: fptr(0.5),
	})
	table.Upsert(rollup.Row{
		EntityID:   "R-FINE",
		Bucket:     bucket,
		AvgTempC:   fptr(24.0),
		Efficiency: fptr(0.8),
	})
	// Old breaches fall outside the default window.
	table.Upsert(rollup.Row{
		EntityID: "R-OLD",
		Bucket:   bucket.Add(-48 * time.Hour),
		AvgTempC: fptr(40.0),
	})

	router := newTestRouter(map[string]*rollup.Table{rollup.ViewRackPerformance: table})

	rr := get(t, router, "/v1/anomalies")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp AnomalyResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count, "%+v", resp.Anomalies)

	byEntity := make(map[string]Anomaly)
	for _, a := range resp.Anomalies {
		byEntity[a.EntityID] = a
	}
	require.Equal(t, "high_temperature", byEntity["R-HOT"].Reason)
	require.Equal(t, 31.5, byEntity["R-HOT"].Value)
	require.Equal(t, "low_efficiency", byEntity["R-WASTEFUL"].Reason)
	require.Equal(t, 0.5, byEntity["R-WASTEFUL"].Value)

	// A wider window picks up the old breach too.
	rr = get(t, router, "/v1/anomalies?window_hours=72")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Count)

	rr = get(t, router, "/v1/anomalies?window_hours=-1")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
