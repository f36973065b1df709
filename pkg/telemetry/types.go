// Package telemetry defines the event and reading types shared across the
// ingestion, normalization and rollup layers.
package telemetry

import "time"

// Domain identifies the source stream of a raw event.
type Domain string

const (
	DomainSensor   Domain = "sensor"
	DomainPower    Domain = "power"
	DomainFacility Domain = "facility"
)

// Domains lists every valid ingestion domain.
var Domains = []Domain{DomainSensor, DomainPower, DomainFacility}

// Valid reports whether d is a known ingestion domain.
func (d Domain) Valid() bool {
	switch d {
	case DomainSensor, DomainPower, DomainFacility:
		return true
	}
	return false
}

// Event is a raw, schema-loose payload as appended to the event store.
// Events are immutable once appended; ID is a per-domain insertion cursor,
// not an event-time ordering.
type Event struct {
	ID         uint64         `json:"id"`
	Domain     Domain         `json:"domain"`
	Payload    map[string]any `json:"payload"`
	IngestTime time.Time      `json:"ingest_time"`
}

// ReadingType classifies a sensor measurement.
type ReadingType string

const (
	ReadingTemperature ReadingType = "temperature"
	ReadingHumidity    ReadingType = "humidity"
)

// Reading is the shared shape of the three normalized reading variants.
// Every reading carries a non-zero event time and an entity key resolvable
// in the catalog.
type Reading interface {
	// EntityKey returns the rack or facility the reading belongs to.
	EntityKey() string

	// EventTime returns the canonical event timestamp.
	EventTime() time.Time
}

// SensorReading is a normalized environmental measurement from a rack sensor.
type SensorReading struct {
	SensorID string
	RackID   string
	Type     ReadingType
	Unit     string
	Value    float64
	Time     time.Time
}

func (r SensorReading) EntityKey() string    { return r.RackID }
func (r SensorReading) EventTime() time.Time { return r.Time }

// PowerReading is a normalized electrical measurement for a rack.
type PowerReading struct {
	RackID    string
	PowerKW   float64
	VoltageV  float64
	CurrentA  float64
	CoolingKW float64
	Time      time.Time
}

func (r PowerReading) EntityKey() string    { return r.RackID }
func (r PowerReading) EventTime() time.Time { return r.Time }

// FacilityReading is a normalized environmental report for a facility.
// WeatherCondition and PowerStatus are opaque enumerated strings.
type FacilityReading struct {
	FacilityID       string
	ExternalTempC    float64
	ExternalHumidity float64
	WeatherCondition string
	PowerStatus      string
	Time             time.Time
}

func (r FacilityReading) EntityKey() string    { return r.FacilityID }
func (r FacilityReading) EventTime() time.Time { return r.Time }
