package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rackwatch/rackwatch/pkg/rollup"
)

// Exporter serializes derived view rows to portable formats.
type Exporter struct {
	views map[string]*rollup.Table
}

// NewExporter creates an exporter over the engine's view tables.
func NewExporter(views map[string]*rollup.Table) *Exporter {
	return &Exporter{views: views}
}

// Options configures an export.
type Options struct {
	View     string
	EntityID string
	Start    time.Time
	End      time.Time
}

// Result contains stats about the export.
type Result struct {
	View         string    `json:"view"`
	RowsExported int       `json:"rows_exported"`
	TimeRange    string    `json:"time_range"`
	Format       string    `json:"format"`
	ExportedAt   time.Time `json:"exported_at"`
}

func (e *Exporter) rows(opts Options) ([]rollup.Row, error) {
	table, ok := e.views[opts.View]
	if !ok {
		return nil, fmt.Errorf("unknown view %q", opts.View)
	}
	return table.Query(rollup.QueryRequest{
		EntityID: opts.EntityID,
		Start:    opts.Start,
		End:      opts.End,
	}), nil
}

// ExportToJSON writes the selected rows as JSON with an export metadata
// wrapper.
func (e *Exporter) ExportToJSON(w io.Writer, opts Options) (*Result, error) {
	rows, err := e.rows(opts)
	if err != nil {
		return nil, err
	}

	exportData := struct {
		Metadata struct {
			View       string    `json:"view"`
			ExportedAt time.Time `json:"exported_at"`
			StartTime  time.Time `json:"start_time"`
			EndTime    time.Time `json:"end_time"`
			RowCount   int       `json:"row_count"`
			Version    string    `json:"version"`
		} `json:"metadata"`
		Rows []rollup.Row `json:"rows"`
	}{
		Rows: rows,
	}
	exportData.Metadata.View = opts.View
	exportData.Metadata.ExportedAt = time.Now()
	exportData.Metadata.StartTime = opts.Start
	exportData.Metadata.EndTime = opts.End
	exportData.Metadata.RowCount = len(rows)
	exportData.Metadata.Version = "1.0"

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(exportData); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &Result{
		View:         opts.View,
		RowsExported: len(rows),
		TimeRange:    fmt.Sprintf("%s to %s", opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339)),
		Format:       "json",
		ExportedAt:   exportData.Metadata.ExportedAt,
	}, nil
}

// ExportToCSV writes the selected rows as CSV. Nullable metrics serialize as
// empty cells, preserving the distinction from zero.
func (e *Exporter) ExportToCSV(w io.Writer, opts Options) (*Result, error) {
	rows, err := e.rows(opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{
		"entity_id", "time_bucket",
		"avg_temp_c", "avg_humidity",
		"avg_power_kw", "avg_cooling_kw", "total_power_kw", "cooling_kw",
		"pue", "efficiency", "rating",
		"racks_active", "avg_power_per_rack", "external_temp_c",
		"last_refreshed_at",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, row := range rows {
		record := []string{
			row.EntityID,
			row.Bucket.Format(time.RFC3339),
			optCell(row.AvgTempC),
			optCell(row.AvgHumidity),
			optCell(row.AvgPowerKW),
			optCell(row.AvgCoolingKW),
			strconv.FormatFloat(row.TotalPowerKW, 'f', -1, 64),
			strconv.FormatFloat(row.CoolingKW, 'f', -1, 64),
			optCell(row.PUE),
			optCell(row.Efficiency),
			row.Rating,
			strconv.Itoa(row.RacksActive),
			optCell(row.AvgPowerPerRack),
			optCell(row.ExternalTempC),
			row.LastRefreshedAt.Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	return &Result{
		View:         opts.View,
		RowsExported: len(rows),
		TimeRange:    fmt.Sprintf("%s to %s", opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339)),
		Format:       "csv",
		ExportedAt:   time.Now(),
	}, nil
}

func optCell(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
