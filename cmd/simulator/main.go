// Command simulator seeds a small datacenter topology and generates a steady
// stream of telemetry against a running rackwatch server. Useful for demos
// and for watching the views refresh end to end.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"

	"github.com/rackwatch/rackwatch/pkg/catalog"
	"github.com/rackwatch/rackwatch/pkg/sdk"
	"github.com/rackwatch/rackwatch/pkg/telemetry"
)

const (
	facilityCount    = 3
	racksPerFacility = 5
)

type simulator struct {
	log      *slog.Logger
	endpoint string
	client   *sdk.Client
	http     *http.Client

	racks      []catalog.Rack
	facilities []catalog.Facility
	seq        int
}

func main() {
	var (
		endpoint string
		interval time.Duration
	)
	pflag.StringVar(&endpoint, "endpoint", "http://localhost:8080", "rackwatch server base URL")
	pflag.DurationVar(&interval, "interval", 3*time.Second, "telemetry batch cadence")
	pflag.Parse()

	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.StampMilli}))

	client, err := sdk.New(sdk.ClientConfig{
		Endpoint:   endpoint,
		FlushEvery: interval,
	})
	if err != nil {
		log.Error("failed to create client", "error", err)
		os.Exit(1)
	}

	sim := &simulator{
		log:      log,
		endpoint: endpoint,
		client:   client,
		http:     &http.Client{Timeout: 10 * time.Second},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sim.seedTopology(ctx); err != nil {
		log.Error("failed to seed topology", "error", err)
		os.Exit(1)
	}
	log.Info("topology seeded", "facilities", len(sim.facilities), "racks", len(sim.racks))

	if err := client.Start(ctx); err != nil {
		log.Error("failed to start client", "error", err)
		os.Exit(1)
	}
	defer client.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("simulator running", "endpoint", endpoint, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("simulator stopped")
			return
		case <-ticker.C:
			sim.emitBatch()
		}
	}
}

// seedTopology registers DC1 with three facilities, five racks each and two
// sensors per rack through the admin API.
func (s *simulator) seedTopology(ctx context.Context) error {
	topo := catalog.Topology{
		Datacenters: []catalog.Datacenter{{ID: "DC1", Region: "us-east"}},
	}
	for f := 1; f <= facilityCount; f++ {
		facility := catalog.Facility{
			ID:           fmt.Sprintf("F%02d", f),
			DatacenterID: "DC1",
		}
		topo.Facilities = append(topo.Facilities, facility)
		for r := 1; r <= racksPerFacility; r++ {
			rack := catalog.Rack{
				ID:         fmt.Sprintf("%s-R%03d", facility.ID, r),
				FacilityID: facility.ID,
			}
			topo.Racks = append(topo.Racks, rack)
			topo.Sensors = append(topo.Sensors,
				catalog.Sensor{ID: rack.ID + "-temp", RackID: rack.ID},
				catalog.Sensor{ID: rack.ID + "-hum", RackID: rack.ID},
			)
		}
	}
	s.facilities = topo.Facilities
	s.racks = topo.Racks

	body, err := json.Marshal(topo)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.endpoint+"/v1/catalog", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog apply returned %s", resp.Status)
	}
	return nil
}

// emitBatch queues one round of sensor, power and facility telemetry. Half
// the events carry epoch-millisecond timestamps and half RFC 3339 strings,
// the same mix real producers send.
func (s *simulator) emitBatch() {
	now := time.Now().UTC()
	s.seq++

	for _, rack := range s.racks {
		// Temperature drifts around 24C with one deliberately hot rack so
		// the anomaly feed has something to show.
		temp := 22 + rand.Float64()*5
		if rack.ID == "F01-R001" {
			temp = 30.5 + rand.Float64()*3
		}

		s.emit(telemetry.DomainSensor, map[string]any{
			"sensor_id":    rack.ID + "-temp",
			"rack_id":      rack.ID,
			"reading_type": "temperature",
			"unit":         "C",
			"value":        temp,
			"event_ts":     s.stamp(now),
		})
		s.emit(telemetry.DomainSensor, map[string]any{
			"sensor_id":    rack.ID + "-hum",
			"rack_id":      rack.ID,
			"reading_type": "humidity",
			"unit":         "%",
			"value":        40 + rand.Float64()*20,
			"event_ts":     s.stamp(now),
		})

		power := 8 + rand.Float64()*8
		s.emit(telemetry.DomainPower, map[string]any{
			"rack_id":    rack.ID,
			"power_kw":   power,
			"cooling_kw": power * (0.25 + rand.Float64()*0.25),
			"voltage_v":  228 + rand.Float64()*8,
			"current_a":  power * 1000 / 230,
			"event_ts":   s.stamp(now),
		})
	}

	for _, facility := range s.facilities {
		s.emit(telemetry.DomainFacility, map[string]any{
			"facility_id":       facility.ID,
			"external_temp_c":   12 + rand.Float64()*15,
			"external_humidity": 50 + rand.Float64()*30,
			"weather_condition": []string{"clear", "cloudy", "rain"}[rand.Intn(3)],
			"power_status":      "grid",
			"event_ts":          s.stamp(now),
		})
	}
}

func (s *simulator) emit(domain telemetry.Domain, payload map[string]any) {
	if err := s.client.Emit(domain, payload); err != nil {
		s.log.Warn("emit failed", "domain", domain, "error", err)
	}
}

// stamp alternates between the two accepted timestamp encodings.
func (s *simulator) stamp(t time.Time) any {
	if s.seq%2 == 0 {
		return t.UnixMilli()
	}
	return t.Format(time.RFC3339)
}
