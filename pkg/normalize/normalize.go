// Package normalize projects raw event payloads into typed readings.
//
// Normalization is the single place where untyped payload fields are
// interpreted: field types are coerced, entity keys validated against the
// catalog, and a canonical event timestamp derived. Rows that fail come back
// as a SkipError with a machine-readable reason; they are counted and
// excluded from aggregation, never fatal.
package normalize

import (
	"fmt"

	"github.com/rackwatch/rackwatch/pkg/catalog"
	"github.com/rackwatch/rackwatch/pkg/telemetry"
)

// Reason classifies why a payload was rejected by normalization.
type Reason string

const (
	ReasonUnknownDomain    Reason = "unknown_domain"
	ReasonUnknownType      Reason = "unknown_type"
	ReasonInvalidValue     Reason = "invalid_value"
	ReasonMissingTimestamp Reason = "missing_timestamp"
	ReasonMissingEntity    Reason = "missing_entity"
	ReasonUnknownEntity    Reason = "unknown_entity"
)

// SkipError is a semantic rejection at the normalization boundary.
type SkipError struct {
	Reason Reason
	Detail string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("skipped (%s): %s", e.Reason, e.Detail)
}

func skip(reason Reason, format string, args ...any) error {
	return &SkipError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Normalizer converts raw events into typed readings. It is stateless except
// for the catalog it validates entity keys against.
type Normalizer struct {
	catalog *catalog.Catalog
}

// New creates a normalizer validating against the given catalog.
func New(cat *catalog.Catalog) *Normalizer {
	return &Normalizer{catalog: cat}
}

// Normalize projects one event into a reading. Failures are *SkipError.
func (n *Normalizer) Normalize(ev telemetry.Event) (telemetry.Reading, error) {
	switch ev.Domain {
	case telemetry.DomainSensor:
		return n.normalizeSensor(ev.Payload)
	case telemetry.DomainPower:
		return n.normalizePower(ev.Payload)
	case telemetry.DomainFacility:
		return n.normalizeFacility(ev.Payload)
	default:
		return nil, skip(ReasonUnknownDomain, "domain %q", ev.Domain)
	}
}

func (n *Normalizer) normalizeSensor(p map[string]any) (telemetry.Reading, error) {
	sensorID, _ := stringField(p, "sensor_id")
	rackID, ok := stringField(p, "rack_id")
	if !ok || rackID == "" {
		return nil, skip(ReasonMissingEntity, "sensor event without rack_id")
	}
	if !n.catalog.HasRack(rackID) {
		return nil, skip(ReasonUnknownEntity, "rack %q not in catalog", rackID)
	}

	rawType, ok := stringField(p, "type", "reading_type")
	if !ok {
		return nil, skip(ReasonUnknownType, "sensor event without type")
	}
	var readingType telemetry.ReadingType
	switch rawType {
	case "temperature", "temp":
		readingType = telemetry.ReadingTemperature
	case "humidity", "hum":
		readingType = telemetry.ReadingHumidity
	default:
		return nil, skip(ReasonUnknownType, "sensor type %q", rawType)
	}

	value, ok := floatField(p, "value")
	if !ok {
		return nil, skip(ReasonInvalidValue, "sensor event without numeric value")
	}

	ts, err := eventTime(p)
	if err != nil {
		return nil, err
	}

	unit, _ := stringField(p, "unit")
	return telemetry.SensorReading{
		SensorID: sensorID,
		RackID:   rackID,
		Type:     readingType,
		Unit:     unit,
		Value:    value,
		Time:     ts,
	}, nil
}

func (n *Normalizer) normalizePower(p map[string]any) (telemetry.Reading, error) {
	rackID, ok := stringField(p, "rack_id")
	if !ok || rackID == "" {
		return nil, skip(ReasonMissingEntity, "power event without rack_id")
	}
	if !n.catalog.HasRack(rackID) {
		return nil, skip(ReasonUnknownEntity, "rack %q not in catalog", rackID)
	}

	powerKW, ok := floatField(p, "power_kw")
	if !ok {
		return nil, skip(ReasonInvalidValue, "power event without numeric power_kw")
	}
	if powerKW < 0 {
		return nil, skip(ReasonInvalidValue, "negative power_kw %.3f", powerKW)
	}
	coolingKW, _ := floatField(p, "cooling_kw")
	if coolingKW < 0 {
		return nil, skip(ReasonInvalidValue, "negative cooling_kw %.3f", coolingKW)
	}

	ts, err := eventTime(p)
	if err != nil {
		return nil, err
	}

	voltageV, _ := floatField(p, "voltage_v")
	currentA, _ := floatField(p, "current_a")
	return telemetry.PowerReading{
		RackID:    rackID,
		PowerKW:   powerKW,
		VoltageV:  voltageV,
		CurrentA:  currentA,
		CoolingKW: coolingKW,
		Time:      ts,
	}, nil
}

func (n *Normalizer) normalizeFacility(p map[string]any) (telemetry.Reading, error) {
	facilityID, ok := stringField(p, "facility_id")
	if !ok || facilityID == "" {
		return nil, skip(ReasonMissingEntity, "facility event without facility_id")
	}
	if !n.catalog.HasFacility(facilityID) {
		return nil, skip(ReasonUnknownEntity, "facility %q not in catalog", facilityID)
	}

	// Opaque enumerated strings: no validation beyond non-empty.
	weather, ok := stringField(p, "weather_condition")
	if !ok || weather == "" {
		return nil, skip(ReasonInvalidValue, "facility event without weather_condition")
	}
	powerStatus, ok := stringField(p, "power_status")
	if !ok || powerStatus == "" {
		return nil, skip(ReasonInvalidValue, "facility event without power_status")
	}

	ts, err := eventTime(p)
	if err != nil {
		return nil, err
	}

	tempC, _ := floatField(p, "external_temp_c")
	humidity, _ := floatField(p, "external_humidity")
	return telemetry.FacilityReading{
		FacilityID:       facilityID,
		ExternalTempC:    tempC,
		ExternalHumidity: humidity,
		WeatherCondition: weather,
		PowerStatus:      powerStatus,
		Time:             ts,
	}, nil
}

func stringField(p map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := p[key]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func floatField(p map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		v, ok := p[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case float32:
			return float64(n), true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case uint64:
			return float64(n), true
		}
	}
	return 0, false
}
