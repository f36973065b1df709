// Package rollup implements the hierarchical aggregation pipeline: normalized
// readings are joined on (entity, time bucket) and propagated up the
// rack -> facility -> datacenter hierarchy as derived view rows.
package rollup

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Derived view names. rack_performance and facility_summary are hourly,
// datacenter_efficiency is daily.
const (
	ViewRackPerformance      = "rack_performance"
	ViewFacilitySummary      = "facility_summary"
	ViewDatacenterEfficiency = "datacenter_efficiency"
)

// HourBucket assigns a timestamp to its half-open hourly bucket
// [start, start+1h). A timestamp exactly on the boundary belongs to the
// bucket it starts.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// DayBucket assigns a timestamp to its half-open daily UTC bucket.
func DayBucket(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Key identifies a derived view row. Buckets must be produced by HourBucket
// or DayBucket so keys compare cleanly.
type Key struct {
	EntityID string
	Bucket   time.Time
}

// Rating bands for PUE, per the usual industry reference table.
const (
	RatingExcellent = "excellent" // < 1.3
	RatingGood      = "good"      // 1.3 - 1.6
	RatingModerate  = "moderate"  // 1.6 - 2.0
	RatingPoor      = "poor"      // >= 2.0
)

// RatePUE classifies a PUE value into an efficiency band.
func RatePUE(pue float64) string {
	switch {
	case pue < 1.3:
		return RatingExcellent
	case pue < 1.6:
		return RatingGood
	case pue < 2.0:
		return RatingModerate
	default:
		return RatingPoor
	}
}

// Row is a derived view row, unique per (entity_id, time_bucket).
// Recomputation replaces the row, never appends to it. Ratio metrics and
// averages that can be undefined are pointers: null means "no basis to
// compute", never zero or NaN.
type Row struct {
	EntityID string    `json:"entity_id"`
	Bucket   time.Time `json:"time_bucket"`

	AvgTempC    *float64 `json:"avg_temp_c,omitempty"`
	AvgHumidity *float64 `json:"avg_humidity,omitempty"`

	AvgPowerKW   *float64 `json:"avg_power_kw,omitempty"`
	AvgCoolingKW *float64 `json:"avg_cooling_kw,omitempty"`
	TotalPowerKW float64  `json:"total_power_kw"`
	CoolingKW    float64  `json:"cooling_kw"`

	PUE        *float64 `json:"pue,omitempty"`
	Efficiency *float64 `json:"efficiency,omitempty"`
	Rating     string   `json:"rating,omitempty"`

	RacksActive     int      `json:"racks_active,omitempty"`
	AvgPowerPerRack *float64 `json:"avg_power_per_rack,omitempty"`

	ExternalTempC *float64 `json:"external_temp_c,omitempty"`

	LastRefreshedAt time.Time `json:"last_refreshed_at"`
	LagSeconds      float64   `json:"lag_seconds"`
}

// Key returns the row's identity.
func (r Row) Key() Key {
	return Key{EntityID: r.EntityID, Bucket: r.Bucket}
}

// Fingerprint hashes the row's metric content. Refresh bookkeeping
// (LastRefreshedAt, LagSeconds) is excluded so an unchanged recomputation
// does not register as a change.
func (r Row) Fingerprint() uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "%s|%d", r.EntityID, r.Bucket.UnixNano())
	writeOpt(h, r.AvgTempC)
	writeOpt(h, r.AvgHumidity)
	writeOpt(h, r.AvgPowerKW)
	writeOpt(h, r.AvgCoolingKW)
	fmt.Fprintf(h, "|%g|%g", r.TotalPowerKW, r.CoolingKW)
	writeOpt(h, r.PUE)
	writeOpt(h, r.Efficiency)
	fmt.Fprintf(h, "|%s|%d", r.Rating, r.RacksActive)
	writeOpt(h, r.AvgPowerPerRack)
	writeOpt(h, r.ExternalTempC)
	return h.Sum64()
}

func writeOpt(h *xxhash.Digest, v *float64) {
	if v == nil {
		h.WriteString("|-")
		return
	}
	fmt.Fprintf(h, "|%g", *v)
}

func ptr(v float64) *float64 { return &v }

// ratio returns (num/den, true) guarding the zero denominator.
func ratio(num, den float64) (*float64, bool) {
	if den == 0 {
		return nil, false
	}
	return ptr(num / den), true
}

func mean(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return ptr(sum / float64(len(values)))
}
