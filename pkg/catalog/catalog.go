// Package catalog holds the static datacenter hierarchy consulted by the
// rollup engine for join keys: Datacenter > Facility > Rack > Sensor.
//
// The catalog is read-mostly: resolution happens on every refresh cycle while
// topology changes are rare administrative operations, so it uses a plain
// shared-read/exclusive-write lock.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Datacenter is the root of the hierarchy.
type Datacenter struct {
	ID     string `json:"id"`
	Region string `json:"region,omitempty"`
}

// Facility belongs to a datacenter.
type Facility struct {
	ID           string `json:"id"`
	DatacenterID string `json:"datacenter_id"`
}

// Rack belongs to a facility.
type Rack struct {
	ID         string `json:"id"`
	FacilityID string `json:"facility_id"`
}

// Sensor is mounted on a rack.
type Sensor struct {
	ID     string `json:"id"`
	RackID string `json:"rack_id"`
}

// Topology is the serializable form of the full hierarchy, used for file
// bootstrap and the admin API.
type Topology struct {
	Datacenters []Datacenter `json:"datacenters"`
	Facilities  []Facility   `json:"facilities"`
	Racks       []Rack       `json:"racks"`
	Sensors     []Sensor     `json:"sensors"`
}

// Catalog is safe for concurrent use.
type Catalog struct {
	mu          sync.RWMutex
	datacenters map[string]Datacenter
	facilities  map[string]Facility
	racks       map[string]Rack
	sensors     map[string]Sensor
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		datacenters: make(map[string]Datacenter),
		facilities:  make(map[string]Facility),
		racks:       make(map[string]Rack),
		sensors:     make(map[string]Sensor),
	}
}

// Load reads a Topology JSON file and builds a catalog from it.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	var topo Topology
	if err := json.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	c := New()
	c.Apply(topo)
	return c, nil
}

// Apply merges a topology into the catalog, overwriting existing entries.
func (c *Catalog) Apply(topo Topology) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dc := range topo.Datacenters {
		c.datacenters[dc.ID] = dc
	}
	for _, f := range topo.Facilities {
		c.facilities[f.ID] = f
	}
	for _, r := range topo.Racks {
		c.racks[r.ID] = r
	}
	for _, s := range topo.Sensors {
		c.sensors[s.ID] = s
	}
}

// AddDatacenter registers a datacenter. Empty IDs are rejected.
func (c *Catalog) AddDatacenter(dc Datacenter) error {
	if dc.ID == "" {
		return fmt.Errorf("datacenter id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.datacenters[dc.ID] = dc
	return nil
}

// AddFacility registers a facility. The parent datacenter is not required to
// exist: resolution fails closed downstream, so a dangling parent excludes the
// facility from datacenter rollups rather than being rejected here.
func (c *Catalog) AddFacility(f Facility) error {
	if f.ID == "" {
		return fmt.Errorf("facility id is required")
	}
	if f.DatacenterID == "" {
		return fmt.Errorf("facility %s: datacenter id is required", f.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.facilities[f.ID] = f
	return nil
}

// AddRack registers a rack.
func (c *Catalog) AddRack(r Rack) error {
	if r.ID == "" {
		return fmt.Errorf("rack id is required")
	}
	if r.FacilityID == "" {
		return fmt.Errorf("rack %s: facility id is required", r.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.racks[r.ID] = r
	return nil
}

// AddSensor registers a sensor.
func (c *Catalog) AddSensor(s Sensor) error {
	if s.ID == "" {
		return fmt.Errorf("sensor id is required")
	}
	if s.RackID == "" {
		return fmt.Errorf("sensor %s: rack id is required", s.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sensors[s.ID] = s
	return nil
}

// HasRack reports whether the rack exists.
func (c *Catalog) HasRack(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.racks[id]
	return ok
}

// HasFacility reports whether the facility exists.
func (c *Catalog) HasFacility(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.facilities[id]
	return ok
}

// ResolveRack returns the facility a rack belongs to.
func (c *Catalog) ResolveRack(rackID string) (facilityID string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.racks[rackID]
	if !ok {
		return "", false
	}
	return r.FacilityID, true
}

// ResolveFacility returns the datacenter a facility belongs to. It fails when
// either the facility is unknown or its datacenter does not exist.
func (c *Catalog) ResolveFacility(facilityID string) (datacenterID string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.facilities[facilityID]
	if !ok {
		return "", false
	}
	if _, ok := c.datacenters[f.DatacenterID]; !ok {
		return "", false
	}
	return f.DatacenterID, true
}

// FacilitiesIn returns the IDs of all facilities belonging to a datacenter,
// sorted for deterministic iteration.
func (c *Catalog) FacilitiesIn(datacenterID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for _, f := range c.facilities {
		if f.DatacenterID == datacenterID {
			ids = append(ids, f.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the full topology, sorted by ID.
func (c *Catalog) Snapshot() Topology {
	c.mu.RLock()
	defer c.mu.RUnlock()

	topo := Topology{
		Datacenters: make([]Datacenter, 0, len(c.datacenters)),
		Facilities:  make([]Facility, 0, len(c.facilities)),
		Racks:       make([]Rack, 0, len(c.racks)),
		Sensors:     make([]Sensor, 0, len(c.sensors)),
	}
	for _, dc := range c.datacenters {
		topo.Datacenters = append(topo.Datacenters, dc)
	}
	for _, f := range c.facilities {
		topo.Facilities = append(topo.Facilities, f)
	}
	for _, r := range c.racks {
		topo.Racks = append(topo.Racks, r)
	}
	for _, s := range c.sensors {
		topo.Sensors = append(topo.Sensors, s)
	}
	sort.Slice(topo.Datacenters, func(i, j int) bool { return topo.Datacenters[i].ID < topo.Datacenters[j].ID })
	sort.Slice(topo.Facilities, func(i, j int) bool { return topo.Facilities[i].ID < topo.Facilities[j].ID })
	sort.Slice(topo.Racks, func(i, j int) bool { return topo.Racks[i].ID < topo.Racks[j].ID })
	sort.Slice(topo.Sensors, func(i, j int) bool { return topo.Sensors[i].ID < topo.Sensors[j].ID })
	return topo
}
