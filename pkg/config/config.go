// Package config centralizes tunables shared across the server.
package config

import "time"

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultMaxMemoryMB = 48
	DefaultDataDir     = "./data/rackwatch"

	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 10 * time.Second
	ShutdownTimeout    = 30 * time.Second
)

// Refresh scheduler defaults. Target lags are per view: the rack and facility
// views are expected near-real-time, the daily datacenter view tolerates more.
const (
	DefaultTickInterval   = 15 * time.Second
	DefaultMaxConcurrency = 4

	RackTargetLag       = 60 * time.Second
	FacilityTargetLag   = 120 * time.Second
	DatacenterTargetLag = 300 * time.Second
)

// Storage maintenance
const (
	BadgerGCInterval     = 10 * time.Minute
	BadgerGCDiscardRatio = 0.5
)

// Ingest limits
const (
	IngestMaxBatch     = 1000
	IngestMaxBodyBytes = 4 << 20
)

// Query defaults and limits
const (
	QueryDefaultLimit = 1000
	QueryMaxLimit     = 5000
)

// Anomaly thresholds for the dashboard feed. Racks hotter than the
// temperature ceiling or less efficient than the floor are flagged.
const (
	AnomalyTempCeilingC    = 30.0
	AnomalyEfficiencyFloor = 0.62
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
